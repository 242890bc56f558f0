// Package dtest implements the typed error vocabulary test and suite
// bodies report through, and the assertion helpers that produce it.
package dtest

import "fmt"

// Failure is an ordinary test failure, used by the assertion helpers in
// assert.go. Details, when non-empty, carries a multi-line context diff for
// string comparisons.
type Failure struct {
	Msg     string
	Details string
}

func (e *Failure) Error() string {
	if e.Details == "" {
		return e.Msg
	}
	return e.Msg + "\n" + e.Details
}

// Skipped is raised by T.Skip; not counted as a failure.
type Skipped struct {
	Reason string
}

func (e *Skipped) Error() string { return "skipped: " + e.Reason }

// UnableToRun is reported when a node couldn't start because a need went
// unsatisfied; classified UX-SKIP by the scheduler.
type UnableToRun struct {
	Reason string
}

func (e *UnableToRun) Error() string { return "unable to run: " + e.Reason }

// TimeoutError is raised when a suiteTimeout/testTimeout wrapper expires.
type TimeoutError struct {
	After string
}

func (e *TimeoutError) Error() string { return "timed out after " + e.After }

// FailureCollection carries every failure a Collector gathered.
type FailureCollection struct {
	Failures []error
}

func (e *FailureCollection) Error() string {
	return fmt.Sprintf("%d check(s) failed: %v", len(e.Failures), e.Failures)
}

// HostError wraps a controlled-host operation failure; it is usually
// just internal/host.Error passed through unchanged, but is named here
// too so callers can type-switch without importing internal/host.
type HostError struct {
	Wrapped error
}

func (e *HostError) Error() string { return "host error: " + e.Wrapped.Error() }
func (e *HostError) Unwrap() error { return e.Wrapped }

// HarnessError signals a broken internal invariant. The scheduler
// classifies a test that ends with it (for example one whose class
// cannot be constructed) as ERROR and reports it through StopTest like
// any other outcome; there is no separate harness-failure callback, and
// the run goes on.
type HarnessError struct {
	Msg string
}

func (e *HarnessError) Error() string { return "harness error: " + e.Msg }
