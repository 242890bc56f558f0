package scheduler

import "github.com/mwanner-successor/dtester/internal/reporter"

// Result is what Run returns: the final summary plus every test node's
// outcome and recorded error, for callers that want more than the
// reporter stream (e.g. cmd/dtester's exit-status decision).
type Result struct {
	Summary  reporter.Summary
	Outcomes map[string]reporter.Outcome
	Errs     map[string]error
}

// Success reports whether every test ended OK, UX-OK, or XFAIL; the CLI
// exits zero exactly when it holds.
func (r *Result) Success() bool {
	for _, o := range r.Outcomes {
		if o != reporter.OK && o != reporter.UXOK && o != reporter.XFAIL {
			return false
		}
	}
	return true
}
