// Package harnesstest provides the canned suites, tests and recording
// reporter this repo's own tests drive the scheduler with.
package harnesstest

import (
	"context"
	"sync"
	"testing"

	"github.com/mwanner-successor/dtester/internal/dtest"
	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/reporter"
)

// CapDummy is the capability NoOpSuite provides and SingleDepTest needs.
var CapDummy = graph.NewCapability("dummy")

// CapOther is a second capability for disjunctive-needs tests.
var CapOther = graph.NewCapability("other")

// Call is one recorded reporter callback.
type Call struct {
	Kind    string // "begin", "startTest", "stopTest", ...
	Name    string
	Outcome reporter.Outcome
	Err     error
	Msg     string
}

// Recorder is a Reporter that records every callback for later
// assertions. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *Recorder) Begin(names []string) { r.add(Call{Kind: "begin"}) }
func (r *Recorder) StartSetUpSuite(name string) {
	r.add(Call{Kind: "startSetUpSuite", Name: name})
}
func (r *Recorder) StopSetUpSuite(name string, err error) {
	r.add(Call{Kind: "stopSetUpSuite", Name: name, Err: err})
}
func (r *Recorder) StartTest(name string) { r.add(Call{Kind: "startTest", Name: name}) }
func (r *Recorder) StopTest(name string, outcome reporter.Outcome, err error) {
	r.add(Call{Kind: "stopTest", Name: name, Outcome: outcome, Err: err})
}
func (r *Recorder) StartTearDownSuite(name string) {
	r.add(Call{Kind: "startTearDownSuite", Name: name})
}
func (r *Recorder) StopTearDownSuite(name string, err error) {
	r.add(Call{Kind: "stopTearDownSuite", Name: name, Err: err})
}
func (r *Recorder) SuiteSetUpFailure(name string, err error) {
	r.add(Call{Kind: "suiteSetUpFailure", Name: name, Err: err})
}
func (r *Recorder) SuiteTearDownFailure(name string, err error) {
	r.add(Call{Kind: "suiteTearDownFailure", Name: name, Err: err})
}
func (r *Recorder) Log(msg string) { r.add(Call{Kind: "log", Msg: msg}) }
func (r *Recorder) End(s reporter.Summary) {
	r.add(Call{Kind: "end"})
}

// Calls returns a snapshot of everything recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// StopTestCall returns the recorded stopTest call for name, failing the
// test if it is absent or duplicated.
func (r *Recorder) StopTestCall(t testing.TB, name string) Call {
	t.Helper()
	var found []Call
	for _, c := range r.Calls() {
		if c.Kind == "stopTest" && c.Name == name {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		t.Fatalf("stopTest %q recorded %d times, want exactly 1", name, len(found))
	}
	return found[0]
}

// Logs returns every Log callback's message in order.
func (r *Recorder) Logs() []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Kind == "log" {
			out = append(out, c.Msg)
		}
	}
	return out
}

// SucceedingTest passes.
func SucceedingTest() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error { return nil }), nil
		},
	}
}

// FailingTest fails with the given message.
func FailingTest(msg string) graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error {
				return &dtest.Failure{Msg: msg}
			}), nil
		},
	}
}

// HangingTest blocks until its context is canceled; used for timeout
// coverage.
func HangingTest() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}), nil
		},
	}
}

// CollectorTest records two failing checks and raises the collection.
func CollectorTest() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error {
				var dt dtest.T
				c := dtest.NewCollector()
				c.Check(dt.AssertEqual(1, 2))
				c.Check(dt.AssertTrue(false))
				return c.Raise()
			}), nil
		},
	}
}

// testFunc adapts a func to graph.Test.
type testFunc func(ctx context.Context) error

func (f testFunc) Run(ctx context.Context) error { return f(ctx) }

// NoOpSuite sets up and tears down trivially, providing CapDummy.
func NoOpSuite() graph.ClassDef {
	return graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(CapDummy),
		New: func(needs map[string]any, args []any) (any, error) {
			return &noopSuite{}, nil
		},
	}
}

type noopSuite struct{}

func (s *noopSuite) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	return graph.SetUpResult{}, nil
}
func (s *noopSuite) TearDown(ctx context.Context) error { return nil }

// HangingSuite never finishes its setUp.
func HangingSuite() graph.ClassDef {
	return graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(CapDummy),
		New: func(needs map[string]any, args []any) (any, error) {
			return &hangingSuite{}, nil
		},
	}
}

type hangingSuite struct{}

func (s *hangingSuite) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	<-ctx.Done()
	return graph.SetUpResult{}, ctx.Err()
}
func (s *hangingSuite) TearDown(ctx context.Context) error { return nil }

// FailingSuite fails its setUp.
func FailingSuite(msg string) graph.ClassDef {
	return graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(CapDummy),
		New: func(needs map[string]any, args []any) (any, error) {
			return &failingSuite{msg: msg}, nil
		},
	}
}

type failingSuite struct{ msg string }

func (s *failingSuite) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	return graph.SetUpResult{}, &dtest.Failure{Msg: s.msg}
}
func (s *failingSuite) TearDown(ctx context.Context) error { return nil }

// SingleDepTest needs one CapDummy provider.
func SingleDepTest() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		NeedSets: []graph.NeedSet{
			{{Name: "dep", Capability: CapDummy}},
		},
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error {
				if needs["dep"] == nil {
					return &dtest.Failure{Msg: "need not bound"}
				}
				return nil
			}), nil
		},
	}
}

// VariantTest declares disjunctive needs: either one CapDummy provider
// or a CapDummy plus a CapOther provider. onVariant is told which
// alternative was selected.
func VariantTest(onVariant func(v int)) graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		NeedSets: []graph.NeedSet{
			{{Name: "a", Capability: CapDummy}},
			{{Name: "b", Capability: CapDummy}, {Name: "c", Capability: CapOther}},
		},
		New: func(needs map[string]any, args []any) (any, error) {
			return testFunc(func(ctx context.Context) error {
				if _, ok := needs["c"]; ok {
					onVariant(2)
				} else {
					onVariant(1)
				}
				return nil
			}), nil
		},
	}
}

// OtherSuite provides CapOther.
func OtherSuite() graph.ClassDef {
	return graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(CapOther),
		New: func(needs map[string]any, args []any) (any, error) {
			return &noopSuite{}, nil
		},
	}
}
