package dtest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
)

// T is what a test or suite body uses to make assertions: a thin
// wrapper callers use instead of constructing failure errors by hand.
type T struct{}

// AssertEqual fails with a Failure if got != want. For multi-line
// strings the failure's Details carries a context diff, so a reporter
// can show where long outputs diverge.
func (T) AssertEqual(got, want any, msg ...string) error {
	if got == want {
		return nil
	}
	gs, gIsStr := got.(string)
	ws, wIsStr := want.(string)
	if gIsStr && wIsStr && (strings.Contains(gs, "\n") || strings.Contains(ws, "\n")) {
		diff, _ := difflib.GetContextDiffString(difflib.ContextDiff{
			A:        difflib.SplitLines(ws),
			B:        difflib.SplitLines(gs),
			FromFile: "want",
			ToFile:   "got",
			Context:  3,
		})
		return &Failure{Msg: label("values differ", msg), Details: diff}
	}
	return &Failure{Msg: fmt.Sprintf("%s: got %v, want %v", label("values differ", msg), got, want)}
}

// AssertTrue fails unless cond is true.
func (T) AssertTrue(cond bool, msg ...string) error {
	if cond {
		return nil
	}
	return &Failure{Msg: label("expected true", msg)}
}

// AssertNotNil fails if v is nil.
func (T) AssertNotNil(v any, msg ...string) error {
	if v != nil {
		return nil
	}
	return &Failure{Msg: label("expected non-nil value", msg)}
}

// Skip raises a Skipped with the given reason.
func (T) Skip(reason string) error { return &Skipped{Reason: reason} }

func label(def string, msg []string) string {
	if len(msg) > 0 && msg[0] != "" {
		return msg[0]
	}
	return def
}

// Collector gathers multiple assertion results; Raise reports them all
// at once as a single FailureCollection.
type Collector struct {
	mu       sync.Mutex
	failures []error
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector { return &Collector{} }

// Check records err if it is non-nil; safe for concurrent use.
func (c *Collector) Check(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

// Raise returns a *FailureCollection if any Check call recorded an
// error, or nil otherwise.
func (c *Collector) Raise() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return nil
	}
	return &FailureCollection{Failures: append([]error(nil), c.failures...)}
}
