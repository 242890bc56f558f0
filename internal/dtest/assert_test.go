package dtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertEqualPass(t *testing.T) {
	var tt T
	assert.NoError(t, tt.AssertEqual(1, 1))
	assert.NoError(t, tt.AssertEqual("a", "a"))
}

func TestAssertEqualScalarFailure(t *testing.T) {
	var tt T
	err := tt.AssertEqual(1, 2)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Empty(t, f.Details)
	assert.Contains(t, f.Error(), "got 1, want 2")
}

func TestAssertEqualMultilineFailureHasDiff(t *testing.T) {
	var tt T
	got := "line one\nline two\nline three\n"
	want := "line one\nline TWO\nline three\n"
	err := tt.AssertEqual(got, want)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.NotEmpty(t, f.Details)
	assert.Contains(t, f.Error(), f.Details)
}

func TestAssertEqualCustomMessage(t *testing.T) {
	var tt T
	err := tt.AssertEqual(1, 2, "counts must match")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counts must match")
}

func TestAssertTrue(t *testing.T) {
	var tt T
	assert.NoError(t, tt.AssertTrue(true))
	require.Error(t, tt.AssertTrue(false))
}

func TestAssertNotNil(t *testing.T) {
	var tt T
	assert.NoError(t, tt.AssertNotNil(1))
	require.Error(t, tt.AssertNotNil(nil))
}

func TestSkipRaisesSkipped(t *testing.T) {
	var tt T
	err := tt.Skip("not applicable here")
	require.Error(t, err)
	var s *Skipped
	require.ErrorAs(t, err, &s)
	assert.Equal(t, "not applicable here", s.Reason)
}

func TestCollectorRaisesNilWhenClean(t *testing.T) {
	c := NewCollector()
	c.Check(nil)
	assert.NoError(t, c.Raise())
}

func TestCollectorAccumulatesFailures(t *testing.T) {
	var tt T
	c := NewCollector()
	c.Check(tt.AssertEqual(1, 2))
	c.Check(nil)
	c.Check(tt.AssertTrue(false))

	err := c.Raise()
	require.Error(t, err)
	var fc *FailureCollection
	require.ErrorAs(t, err, &fc)
	assert.Len(t, fc.Failures, 2)
}
