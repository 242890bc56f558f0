package remproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []struct {
		cmd  string
		job  int64
		args []any
	}{
		{"makedirs", 3, []any{"/tmp/x/a"}},
		{"utime", 7, []any{"/tmp/x", int64(1000), 3.5}},
		{"hello", 1, []any{"host", "Linux", "5.10.0", "#1 SMP", "x86_64", "/"}},
		{"done", 2, nil},
		{"append", 4, []any{"/tmp/x", "line with spaces\nand a newline"}},
		{"append", 5, []any{"it's got a quote"}},
		{"append", 6, []any{`both ' and " present`}},
	}
	for _, c := range cases {
		line := Encode(c.cmd, c.job, c.args...)
		msg, err := Parse(line)
		require.NoError(t, err, "line=%q", line)
		assert.Equal(t, c.cmd, msg.Command)
		assert.Equal(t, c.job, msg.Job)
		want := c.args
		// Encode/Parse elide trailing nils; compare against the trimmed form.
		for len(want) > 0 && want[len(want)-1] == nil {
			want = want[:len(want)-1]
		}
		require.Equal(t, len(want), len(msg.Args), "line=%q", line)
		for i := range want {
			assert.Equal(t, want[i], msg.Args[i])
		}
	}
}

func TestTrailingNoneElided(t *testing.T) {
	line := Encode("proc_prepare", 1, "ignore", nil, nil)
	assert.Equal(t, `proc_prepare 1 'ignore'`, line)
}

func TestParseRejectsMalformedLeadingDigit(t *testing.T) {
	_, err := Parse("list 1 4abc")
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestParseNegativeNumber(t *testing.T) {
	msg, err := Parse(`utime 1 '/tmp' -5 3.25e2`)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", msg.Args[0])
	assert.Equal(t, int64(-5), msg.Args[1])
	assert.Equal(t, 325.0, msg.Args[2])
}

func TestParseRejectsBareNonNumericWord(t *testing.T) {
	_, err := Parse("utime 1 /tmp 5 5")
	require.Error(t, err)
}

func TestParseQuotedEscapes(t *testing.T) {
	msg, err := Parse(`append 1 "tab\there\x41end"`)
	require.NoError(t, err)
	assert.Equal(t, "tab\there\x41end", msg.Args[0])
}

func TestParseUnterminatedString(t *testing.T) {
	_, err := Parse(`append 1 "no closing quote`)
	require.Error(t, err)
}

func TestParseTooFewTokens(t *testing.T) {
	_, err := Parse("done")
	require.Error(t, err)
}

func TestReprChoosesDelimiter(t *testing.T) {
	assert.Equal(t, `'plain'`, Repr("plain"))
	assert.Equal(t, `"it's"`, Repr("it's"))
	assert.Equal(t, `'both \' and " here'`, Repr(`both ' and " here`))
}

func TestArgHelpers(t *testing.T) {
	args := []any{"foo", int64(3), 1.5}
	s, err := ArgString(args, 0)
	require.NoError(t, err)
	assert.Equal(t, "foo", s)

	f, err := ArgFloat(args, 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	_, err = ArgString(args, 5)
	require.Error(t, err)
}
