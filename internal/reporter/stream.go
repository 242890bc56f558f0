package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Stream is a concrete Reporter printing one line per event to an
// io.Writer. When the writer is a terminal, status lines for live
// (started but not yet stopped) suites/tests are redrawn in place with
// a cursor-up escape; otherwise every event is a plain appended line.
type Stream struct {
	w    io.Writer
	isTTY bool

	mu      sync.Mutex
	order   []string // live node names, in start order, for the redraw block
	started map[string]bool
}

// NewStream returns a Stream writing to w. isTerminal is probed via
// w's Fd() when w is an *os.File; callers writing to a non-file Writer
// get the plain sequential-line behavior.
func NewStream(w io.Writer) *Stream {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Stream{w: w, isTTY: tty, started: map[string]bool{}}
}

func (s *Stream) println(format string, args ...any) {
	fmt.Fprintf(s.w, format+"\n", args...)
}

func (s *Stream) addLive(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started[name] {
		s.started[name] = true
		s.order = append(s.order, name)
	}
}

func (s *Stream) removeLive(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started[name] {
		return
	}
	delete(s.started, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// redraw reprints the live-node block and restores the cursor. It is a
// no-op off a terminal.
func (s *Stream) redraw() {
	if !s.isTTY {
		return
	}
	s.mu.Lock()
	lines := append([]string(nil), s.order...)
	s.mu.Unlock()
	if len(lines) == 0 {
		return
	}
	var maxLen int
	for _, l := range lines {
		if len(l) > maxLen {
			maxLen = len(l)
		}
	}
	for _, l := range lines {
		if len(l) < maxLen {
			l += strings.Repeat(" ", maxLen-len(l))
		}
		fmt.Fprintln(s.w, l)
	}
	fmt.Fprintf(s.w, "\033[%dA", len(lines))
}

func (s *Stream) Begin(names []string) {
	s.println("begin: %d node(s)", len(names))
}

func (s *Stream) StartSetUpSuite(name string) {
	s.addLive(name)
	s.println("setUp   %s", name)
	s.redraw()
}

func (s *Stream) StopSetUpSuite(name string, err error) {
	s.removeLive(name)
	if err != nil {
		s.println("setUp   %s FAILED: %v", name, err)
		return
	}
	s.println("setUp   %s OK", name)
}

func (s *Stream) StartTest(name string) {
	s.addLive(name)
	s.println("test    %s", name)
	s.redraw()
}

func (s *Stream) StopTest(name string, outcome Outcome, err error) {
	s.removeLive(name)
	if err != nil {
		s.println("test    %s %s: %v", name, outcome, err)
		return
	}
	s.println("test    %s %s", name, outcome)
}

func (s *Stream) StartTearDownSuite(name string) {
	s.addLive(name)
	s.println("tearDown %s", name)
	s.redraw()
}

func (s *Stream) StopTearDownSuite(name string, err error) {
	s.removeLive(name)
	if err != nil {
		s.println("tearDown %s FAILED: %v", name, err)
		return
	}
	s.println("tearDown %s OK", name)
}

func (s *Stream) SuiteSetUpFailure(name string, err error) {
	s.println("setUp   %s FAILURE: %v", name, err)
}

func (s *Stream) SuiteTearDownFailure(name string, err error) {
	s.println("tearDown %s FAILURE: %v", name, err)
}

func (s *Stream) Log(msg string) {
	s.println("log: %s", msg)
}

func (s *Stream) End(sum Summary) {
	s.println("end: %d total, %d ok, %d skipped, %d xfail, %d errors, in %v",
		sum.Total, sum.Succ, sum.Skipped, sum.XFail, sum.Errors, sum.Duration.Round(time.Millisecond))
}
