// Package remproto implements the line-oriented wire grammar the runtime
// and the remote helper speak: one request or reply per line,
// "COMMAND JOBID ARG1 ARG2 …\n", where each ARG is a quoted string or a
// decimal integer/float. The same grammar is used in both directions and
// is shared between the SSH-side client (internal/sshhost) and the
// remote helper program (cmd/dtester-helper).
package remproto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ParseError reports a malformed line, carrying the offset of the
// offending character.
type ParseError struct {
	Line   string
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("remproto: parse error at offset %d in %q: %s", e.Offset, e.Line, e.Reason)
}

var floatPattern = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?$`)
var intPattern = regexp.MustCompile(`^-?\d+$`)

// Message is one parsed line: a command, a job id, and its arguments.
// Each argument is a string, int64, float64, or nil (for None).
type Message struct {
	Command string
	Job     int64
	Args    []any
}

// Parse decodes one protocol line (without its trailing newline).
func Parse(line string) (*Message, error) {
	toks, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(toks) < 2 {
		return nil, &ParseError{Line: line, Reason: "expected COMMAND and JOBID"}
	}
	cmdTok := toks[0]
	if cmdTok.kind != tokBare {
		return nil, &ParseError{Line: line, Offset: cmdTok.offset, Reason: "command must be a bare word"}
	}
	jobTok := toks[1]
	job, ok := jobTok.value.(int64)
	if jobTok.kind != tokNumber || !ok {
		return nil, &ParseError{Line: line, Offset: jobTok.offset, Reason: "job id must be an integer"}
	}

	args := make([]any, 0, len(toks)-2)
	for _, t := range toks[2:] {
		switch t.kind {
		case tokString:
			args = append(args, t.value.(string))
		case tokNumber:
			args = append(args, t.value)
		case tokBare:
			if t.text == "None" {
				args = append(args, nil)
				continue
			}
			return nil, &ParseError{Line: line, Offset: t.offset, Reason: fmt.Sprintf("unrecognized token %q", t.text)}
		}
	}

	return &Message{Command: cmdTok.text, Job: job, Args: args}, nil
}

type tokenKind int

const (
	tokBare tokenKind = iota
	tokString
	tokNumber
)

type token struct {
	kind   tokenKind
	text   string
	value  any
	offset int
}

func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	n := len(line)
	for i < n {
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}
		start := i
		if line[i] == '\'' || line[i] == '"' {
			s, next, err := parseQuoted(line, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, value: s, offset: start})
			i = next
			continue
		}
		for i < n && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		word := line[start:i]
		if intPattern.MatchString(word) {
			v, err := strconv.ParseInt(word, 10, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Offset: start, Reason: "integer overflow"}
			}
			toks = append(toks, token{kind: tokNumber, text: word, value: v, offset: start})
			continue
		}
		if floatPattern.MatchString(word) {
			v, err := strconv.ParseFloat(word, 64)
			if err != nil {
				return nil, &ParseError{Line: line, Offset: start, Reason: "malformed float"}
			}
			toks = append(toks, token{kind: tokNumber, text: word, value: v, offset: start})
			continue
		}
		// A bare word starting with a digit that doesn't fully match
		// the number grammar is a parse error, not a best-effort guess.
		if word[0] >= '0' && word[0] <= '9' || (word[0] == '-' && len(word) > 1) {
			return nil, &ParseError{Line: line, Offset: start, Reason: fmt.Sprintf("malformed numeric token %q", word)}
		}
		toks = append(toks, token{kind: tokBare, text: word, offset: start})
	}
	return toks, nil
}

func parseQuoted(line string, start int) (string, int, error) {
	delim := line[start]
	var b strings.Builder
	i := start + 1
	n := len(line)
	for i < n {
		c := line[i]
		if c == delim {
			return b.String(), i + 1, nil
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= n {
			return "", 0, &ParseError{Line: line, Offset: i, Reason: "dangling escape"}
		}
		esc := line[i+1]
		switch esc {
		case 'n':
			b.WriteByte('\n')
			i += 2
		case 'r':
			b.WriteByte('\r')
			i += 2
		case 't':
			b.WriteByte('\t')
			i += 2
		case '\\':
			b.WriteByte('\\')
			i += 2
		case '\'':
			b.WriteByte('\'')
			i += 2
		case '"':
			b.WriteByte('"')
			i += 2
		case 'x':
			if i+3 >= n {
				return "", 0, &ParseError{Line: line, Offset: i, Reason: "truncated \\x escape"}
			}
			v, err := strconv.ParseUint(line[i+2:i+4], 16, 8)
			if err != nil {
				return "", 0, &ParseError{Line: line, Offset: i, Reason: "invalid \\x escape"}
			}
			b.WriteByte(byte(v))
			i += 4
		default:
			return "", 0, &ParseError{Line: line, Offset: i, Reason: fmt.Sprintf("unknown escape \\%c", esc)}
		}
	}
	return "", 0, &ParseError{Line: line, Offset: start, Reason: "unterminated string"}
}

// Repr encodes v (string, int, int64, float64, float32, or nil) as one
// wire token.
func Repr(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return reprString(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		panic(fmt.Sprintf("remproto: Repr: unsupported type %T", v))
	}
}

func reprString(s string) string {
	delim := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		delim = '"'
	}
	var b strings.Builder
	b.WriteByte(delim)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == delim:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\\':
			b.WriteString(`\\`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(delim)
	return b.String()
}

// Encode builds a full protocol line (without trailing newline): the
// command, the job id, and args. Trailing nil arguments are elided; the
// receiver treats missing trailing arguments as nil.
func Encode(cmd string, job int64, args ...any) string {
	last := len(args)
	for last > 0 && args[last-1] == nil {
		last--
	}
	args = args[:last]

	parts := make([]string, 0, 2+len(args))
	parts = append(parts, cmd, strconv.FormatInt(job, 10))
	for _, a := range args {
		parts = append(parts, Repr(a))
	}
	return strings.Join(parts, " ")
}

// UnreprString decodes s, which must be exactly one quoted-string token,
// back to its raw value. It is the inverse of Repr for strings and is
// what the event-log reader uses on record payloads.
func UnreprString(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') {
		return "", &ParseError{Line: s, Reason: "expected a quoted string"}
	}
	v, next, err := parseQuoted(s, 0)
	if err != nil {
		return "", err
	}
	if next != len(s) {
		return "", &ParseError{Line: s, Offset: next, Reason: "trailing characters after string"}
	}
	return v, nil
}

// ArgString returns args[i] as a string, or an error if it is absent or
// not a string.
func ArgString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", xerrors.Errorf("remproto: missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", xerrors.Errorf("remproto: argument %d is not a string (%T)", i, args[i])
	}
	return s, nil
}

// ArgFloat returns args[i] as a float64, accepting either an int64 or a
// float64 wire value.
func ArgFloat(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, xerrors.Errorf("remproto: missing argument %d", i)
	}
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, xerrors.Errorf("remproto: argument %d is not numeric (%T)", i, args[i])
	}
}
