package reporter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "UX-SKIP", UXSKIP.String())
}

func TestStreamPlainSequentialOutput(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	assert.False(t, s.isTTY)

	s.Begin([]string{"A", "B"})
	s.StartTest("A")
	s.StopTest("A", OK, nil)
	s.StartTest("B")
	s.StopTest("B", FAILED, assertErr("boom"))
	s.End(Summary{Total: 2, Succ: 1})

	out := buf.String()
	assert.Contains(t, out, "begin: 2 node(s)")
	assert.Contains(t, out, "test    A OK")
	assert.Contains(t, out, "test    B FAILED: boom")
	assert.Contains(t, out, "end: 2 total, 1 ok")
}

func TestStreamLiveTrackingAddRemove(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	s.StartSetUpSuite("S")
	assert.True(t, s.started["S"])
	s.StopSetUpSuite("S", nil)
	assert.False(t, s.started["S"])
	assert.NotContains(t, s.order, "S")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestStreamSuiteFailureLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	s.SuiteSetUpFailure("S", assertErr("setup broke"))
	s.SuiteTearDownFailure("S", assertErr("teardown broke"))
	out := buf.String()
	assert.True(t, strings.Contains(out, "setup broke"))
	assert.True(t, strings.Contains(out, "teardown broke"))
}
