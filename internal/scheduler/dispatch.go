package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/dtest"
	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/loop"
	"github.com/mwanner-successor/dtester/internal/reporter"
)

// classify partitions every non-terminal node into the three dispatch
// sets: runnable, terminatable, abortable. It only touches r's tables
// and must run on the loop goroutine.
func (r *Runner) classify() (runnable, terminatable, abortable []string) {
	for name, node := range r.g.Nodes {
		st := r.status[name]
		if terminal(st) {
			continue
		}
		if r.isAbortable(name) {
			abortable = append(abortable, name)
			continue
		}
		switch st {
		case Waiting:
			if r.isRunnable(name) {
				runnable = append(runnable, name)
			}
		case Running:
			if node.Def.Class.Kind == graph.KindSuite && r.isTerminatable(name) {
				terminatable = append(terminatable, name)
			}
		}
	}
	sort.Strings(runnable)
	sort.Strings(terminatable)
	sort.Strings(abortable)
	return
}

// dependencyNames returns name's needs providers plus its ordering-only
// dependencies: the edge set abort classification walks. onlyAfter is
// deliberately excluded; a failure does not cascade across those edges,
// the dependents are merely skipped.
func (r *Runner) dependencyNames(name string) []string {
	out := append([]string(nil), r.g.Needs(name)...)
	return append(out, r.g.OrderingDeps(name)...)
}

func (r *Runner) isAbortable(name string) bool {
	for _, dep := range r.dependencyNames(name) {
		if r.status[dep] == Failed {
			return true
		}
	}
	// A failed onlyAfter target does not make the dependent runnable; it
	// is finalized as skipped instead.
	for _, target := range r.g.OnlyAfter(name) {
		if r.status[target] == Failed {
			return true
		}
	}
	return false
}

// abortCause names the first failed dependency, for the UnableToRun
// reason text.
func (r *Runner) abortCause(name string) string {
	for _, dep := range r.dependencyNames(name) {
		if r.status[dep] == Failed {
			return fmt.Sprintf("dependency %q failed", dep)
		}
	}
	return "aborted"
}

func (r *Runner) isRunnable(name string) bool {
	for _, provider := range r.g.Needs(name) {
		if r.status[provider] != Running {
			return false
		}
		if rc, ok := r.impls[provider].(graph.ReadyForChilder); ok && !rc.ReadyForChild(name) {
			return false
		}
	}
	for _, dep := range r.g.OrderingDeps(name) {
		if r.status[dep] == Waiting || r.status[dep] == Starting {
			return false
		}
	}
	for _, target := range r.g.OnlyAfter(name) {
		if !terminal(r.status[target]) {
			return false
		}
	}
	return true
}

func (r *Runner) isTerminatable(name string) bool {
	for _, dependent := range r.g.Dependents(name) {
		if !terminal(r.status[dependent]) {
			return false
		}
	}
	return true
}

// dispatchStart begins starting a runnable node. It mutates status/
// reporter state synchronously (we're on the loop goroutine) and
// returns a launch func to run the node's (potentially blocking) SetUp
// or Run on its own goroutine — or nil if the node was skip-flagged and
// has already been finalized synchronously.
func (r *Runner) dispatchStart(name string) func() {
	node := r.g.Nodes[name]
	r.status[name] = Starting

	if node.Unsatisfied != "" {
		uerr := &dtest.UnableToRun{Reason: node.Unsatisfied}
		if node.Def.Class.Kind == graph.KindSuite {
			r.rep.StartSetUpSuite(name)
			r.finalizeSuiteFailure(name, uerr)
		} else {
			r.rep.StartTest(name)
			r.finalizeTest(name, reporter.UXSKIP, uerr)
		}
		r.l.Post(r.tick)
		return nil
	}

	if node.Def.Class.Kind == graph.KindTest && node.Def.Skip {
		r.rep.StartTest(name)
		r.finalizeTest(name, reporter.SKIPPED, &dtest.Skipped{Reason: "skip flag set"})
		r.l.Post(r.tick)
		return nil
	}

	// Re-check gating providers: an earlier dispatch this same turn may
	// have claimed a one-child-at-a-time suite we were classified
	// against.
	for _, provider := range node.NeedProviders {
		if rc, ok := r.impls[provider].(graph.ReadyForChilder); ok && !rc.ReadyForChild(name) {
			r.status[name] = Waiting
			return nil
		}
	}

	needs := make(map[string]any, len(node.NeedBindings))
	for local, provider := range node.NeedBindings {
		needs[local] = r.impls[provider]
	}
	r.acquireProviders(name)
	args := node.Def.Args
	r.pending++

	if node.Def.Class.Kind == graph.KindSuite {
		r.rep.StartSetUpSuite(name)
		return func() { r.runSetUp(name, needs, args) }
	}
	r.rep.StartTest(name)
	return func() { r.runTest(name, needs, args) }
}

// dispatchTearDown begins tearing down a terminatable suite.
func (r *Runner) dispatchTearDown(name string) func() {
	r.status[name] = Stopping
	r.pending++
	r.rep.StartTearDownSuite(name)
	return r.launchTearDown(name)
}

// dispatchAbort handles one abortable node. A node that never left
// Waiting is finalized immediately as UX-SKIP/UnableToRun (there is
// nothing in flight to cancel); a Starting node has its context
// canceled and is left to the in-flight SetUp/Run goroutine to finish
// unwinding; a Running suite is forced into teardown ahead of its
// normal dependents-empty gate, since its own dependents will cascade
// into abort on a later turn once this suite reaches Failed.
func (r *Runner) dispatchAbort(name string) []func() {
	node := r.g.Nodes[name]
	cause := r.abortCause(name)

	switch r.status[name] {
	case Waiting:
		r.status[name] = Starting // so nothing else double-dispatches it this turn
		if node.Def.Class.Kind == graph.KindSuite {
			r.rep.StartSetUpSuite(name)
			r.finalizeSuiteFailure(name, &dtest.UnableToRun{Reason: cause})
		} else {
			r.rep.StartTest(name)
			r.finalizeTest(name, reporter.UXSKIP, &dtest.UnableToRun{Reason: cause})
		}
		r.l.Post(r.tick)
		return nil
	case Starting:
		r.aborted[name] = cause
		if cancel := r.cancel[name]; cancel != nil {
			cancel()
		}
		return nil
	case Running:
		if node.Def.Class.Kind != graph.KindSuite {
			return nil
		}
		r.aborted[name] = cause
		r.status[name] = Stopping
		r.pending++
		r.rep.StartTearDownSuite(name)
		return []func(){r.launchTearDown(name)}
	default:
		return nil
	}
}

func (r *Runner) runSetUp(name string, needs map[string]any, args []any) {
	node := r.g.Nodes[name]
	impl, err := node.Def.Class.New(needs, args)
	if err != nil {
		r.l.Post(func() { r.finishSetUp(name, nil, nil, xerrors.Errorf("%s: construct: %w", name, err)) })
		return
	}
	suite, ok := impl.(graph.Suite)
	if !ok {
		r.l.Post(func() {
			r.finishSetUp(name, impl, nil, xerrors.Errorf("%s: implementation does not satisfy graph.Suite", name))
		})
		return
	}

	ctx, cancel := r.withTimeout(r.suiteTimeout)
	r.l.Post(func() { r.cancel[name] = cancel })

	resCh := make(chan graph.SetUpResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := suite.SetUp(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()
	task := loop.Timeout(ctx, resCh, errCh)
	cancel()

	r.l.Post(func() {
		delete(r.cancel, name)
		if task.Expired || xerrors.Is(task.Err, context.DeadlineExceeded) {
			r.finishSetUp(name, impl, nil, &dtest.TimeoutError{After: r.suiteTimeout.String()})
			return
		}
		r.finishSetUp(name, impl, task.Value.Nested, task.Err)
	})
}

func (r *Runner) runTest(name string, needs map[string]any, args []any) {
	node := r.g.Nodes[name]
	impl, err := node.Def.Class.New(needs, args)
	if err != nil {
		r.l.Post(func() { r.finishTest(name, &dtest.HarnessError{Msg: fmt.Sprintf("%s: construct: %v", name, err)}) })
		return
	}
	test, ok := impl.(graph.Test)
	if !ok {
		r.l.Post(func() {
			r.finishTest(name, &dtest.HarnessError{Msg: fmt.Sprintf("%s: implementation does not satisfy graph.Test", name)})
		})
		return
	}

	ctx, cancel := r.withTimeout(r.testTimeout)
	r.l.Post(func() { r.cancel[name] = cancel })

	var resultCh chan struct{} // never written; only the deadline/error branches matter
	errCh := make(chan error, 1)
	go func() { errCh <- test.Run(ctx) }()
	task := loop.Timeout(ctx, resultCh, errCh)
	cancel()

	r.l.Post(func() {
		delete(r.cancel, name)
		if task.Expired || xerrors.Is(task.Err, context.DeadlineExceeded) {
			r.finishTestExpired(name)
			return
		}
		r.finishTest(name, task.Err)
	})
}

func (r *Runner) launchTearDown(name string) func() {
	impl := r.impls[name]
	return func() {
		var err error
		if suite, ok := impl.(graph.Suite); ok {
			ctx, cancel := r.withTimeout(r.suiteTimeout)
			errCh := make(chan error, 1)
			go func() { errCh <- suite.TearDown(ctx) }()
			var resultCh chan struct{}
			task := loop.Timeout(ctx, resultCh, errCh)
			cancel()
			if task.Expired || xerrors.Is(task.Err, context.DeadlineExceeded) {
				err = &dtest.TimeoutError{After: r.suiteTimeout.String()}
			} else {
				err = task.Err
			}
		}
		r.l.Post(func() { r.finishTearDown(name, err) })
	}
}

// withTimeout returns a context derived from r.ctx, bounded by d when
// d > 0.
func (r *Runner) withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(r.ctx)
	}
	return context.WithTimeout(r.ctx, d)
}

// finishSetUp runs on the loop goroutine once a suite's SetUp has
// returned, failed, or timed out.
func (r *Runner) finishSetUp(name string, impl any, nested *graph.Def, err error) {
	r.pending--
	r.impls[name] = impl

	if cause, aborted := r.aborted[name]; aborted {
		delete(r.aborted, name)
		aerr := &dtest.UnableToRun{Reason: cause}
		r.releaseProviders(name)
		r.status[name] = Failed
		r.err[name] = aerr
		r.rep.StopSetUpSuite(name, aerr)
		r.rep.SuiteSetUpFailure(name, aerr)
		r.tick()
		return
	}

	if err != nil {
		r.releaseProviders(name)
		r.status[name] = Failed
		r.err[name] = err
		r.rep.StopSetUpSuite(name, err)
		r.rep.SuiteSetUpFailure(name, err)
		r.tick()
		return
	}

	if nested != nil {
		if _, serr := r.g.Splice(name, *nested); serr != nil {
			r.releaseProviders(name)
			r.status[name] = Failed
			r.err[name] = serr
			r.rep.StopSetUpSuite(name, serr)
			r.rep.SuiteSetUpFailure(name, serr)
			r.tick()
			return
		}
		for n := range r.g.Nodes {
			if _, ok := r.status[n]; !ok {
				r.status[n] = Waiting
			}
		}
	}

	r.status[name] = Running
	r.rep.StopSetUpSuite(name, nil)
	r.tick()
}

// finalizeSuiteFailure is the synchronous path used when a suite is
// aborted before its SetUp ever began.
func (r *Runner) finalizeSuiteFailure(name string, err error) {
	r.releaseProviders(name)
	r.status[name] = Failed
	r.err[name] = err
	r.rep.StopSetUpSuite(name, err)
	r.rep.SuiteSetUpFailure(name, err)
}

func (r *Runner) finishTearDown(name string, err error) {
	r.pending--
	r.releaseProviders(name)
	_, aborted := r.aborted[name]
	delete(r.aborted, name)
	r.status[name] = Done
	if aborted {
		r.status[name] = Failed // lets its own dependents cascade into abort
	}
	r.err[name] = err
	if err != nil {
		r.rep.StopTearDownSuite(name, err)
		r.rep.SuiteTearDownFailure(name, err)
	} else {
		r.rep.StopTearDownSuite(name, nil)
	}
	delete(r.impls, name)
	r.tick()
}

func (r *Runner) finishTestExpired(name string) {
	r.pending--
	if cause, aborted := r.aborted[name]; aborted {
		delete(r.aborted, name)
		r.finalizeTest(name, reporter.UXSKIP, &dtest.UnableToRun{Reason: cause})
	} else {
		r.finalizeTest(name, reporter.TIMEOUT, &dtest.TimeoutError{After: r.testTimeout.String()})
	}
	r.tick()
}

func (r *Runner) finishTest(name string, err error) {
	r.pending--
	if cause, aborted := r.aborted[name]; aborted {
		delete(r.aborted, name)
		r.finalizeTest(name, reporter.UXSKIP, &dtest.UnableToRun{Reason: cause})
		r.tick()
		return
	}
	outcome, classified := r.classifyTest(name, err)
	r.finalizeTest(name, outcome, classified)
	r.tick()
}

// classifyTest maps a test body's returned error (and the node's
// xfail/skip flags) to a reporter.Outcome.
func (r *Runner) classifyTest(name string, err error) (reporter.Outcome, error) {
	node := r.g.Nodes[name]
	if err == nil {
		if node.Def.XFail {
			return reporter.UXOK, nil
		}
		return reporter.OK, nil
	}

	var skipped *dtest.Skipped
	if xerrors.As(err, &skipped) {
		return reporter.SKIPPED, err
	}
	if node.Def.XFail {
		return reporter.XFAIL, err
	}
	var fail *dtest.Failure
	var coll *dtest.FailureCollection
	if xerrors.As(err, &fail) || xerrors.As(err, &coll) {
		return reporter.FAILED, err
	}
	return reporter.ERROR, err
}

// finalizeTest records a test node's terminal status/outcome and fires
// the paired reporter.StopTest callback. Callers that went through
// dispatchStart's async path decrement pending themselves (finishTest/
// finishTestExpired); the synchronous paths never incremented it.
func (r *Runner) finalizeTest(name string, outcome reporter.Outcome, err error) {
	r.releaseProviders(name)
	r.status[name] = Done
	r.outcome[name] = outcome
	r.err[name] = err
	r.rep.StopTest(name, outcome, err)
}

// acquireProviders tells every child-tracking provider suite that name
// is now live against it. Runs on the loop goroutine, between the
// ReadyForChild gate passing and the node's launch.
func (r *Runner) acquireProviders(name string) {
	node := r.g.Nodes[name]
	for _, provider := range node.NeedProviders {
		if ct, ok := r.impls[provider].(graph.ChildTracker); ok {
			ct.AddChild(name)
			r.held[name] = append(r.held[name], provider)
		}
	}
}

// releaseProviders undoes acquireProviders once name is terminal. Safe
// to call more than once; only the first call releases.
func (r *Runner) releaseProviders(name string) {
	for _, provider := range r.held[name] {
		if ct, ok := r.impls[provider].(graph.ChildTracker); ok {
			ct.RemoveChild(name)
		}
	}
	delete(r.held, name)
}
