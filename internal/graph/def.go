package graph

import (
	"context"
)

// Kind distinguishes a long-lived suite from a short-lived test.
type Kind int

const (
	KindTest Kind = iota
	KindSuite
)

// Need is a single (local-binding-name, required-capability) pair.
type Need struct {
	Name       string
	Capability *Capability
}

// NeedSet is one alternative tuple of needs. A class with a single,
// non-disjunctive need list declares exactly one NeedSet.
type NeedSet []Need

// SetUpResult is what a suite's SetUp returns: completion (or failure),
// and optionally a nested test definition to splice under the suite's
// name. The splice happens atomically between SetUp returning and the
// suite being marked running, handled by the scheduler, not by SetUp
// itself.
type SetUpResult struct {
	Nested *Def
}

// Suite is implemented by long-lived nodes. The ClassDef's Factory that
// produced this instance received its needs keyed by local binding name
// and its args positionally.
type Suite interface {
	SetUp(ctx context.Context) (SetUpResult, error)
	TearDown(ctx context.Context) error
}

// ReadyForChilder is optionally implemented by a Suite to gate whether
// a dependent (named by child) may start. Suites that don't implement
// it are always ready.
type ReadyForChilder interface {
	ReadyForChild(child string) bool
}

// ChildTracker is optionally implemented by suites that track their
// live children. The scheduler calls AddChild when a dependent starts
// against the suite and RemoveChild when that dependent reaches a
// terminal state.
type ChildTracker interface {
	AddChild(child string)
	RemoveChild(child string)
}

// Test is implemented by short-lived nodes; Run's error, if non-nil and
// not one of the typed outcomes in internal/dtest, is classified ERROR.
type Test interface {
	Run(ctx context.Context) error
}

// Factory constructs a node's implementation instance from its bound
// needs (local-binding-name -> the needed suite's Impl) and its args.
type Factory func(needs map[string]any, args []any) (any, error)

// ClassDef is the static, per-class declaration a NodeDef references:
// what it implements, what it needs, and how to construct it.
type ClassDef struct {
	Kind     Kind
	NeedSets []NeedSet      // disjunctive alternatives; a non-disjunctive class has exactly one
	Provides CapabilitySet  // capabilities this class's instances implement (suites only)
	New      Factory
}

// NodeDef is one entry in a test definition mapping.
type NodeDef struct {
	Class     ClassDef
	Args      []any
	Uses      []string // names of nodes satisfying Class.NeedSets, in order
	DependsOn []string // ordering-only dependencies
	OnlyAfter []string // weak ordering constraints
	XFail     bool
	Skip      bool
}

// Def is a named test definition: a mapping from local node name to its
// NodeDef, plus, for a nested definition published by a suite's SetUp,
// the subset of those names that are "leaves" whose completion gates
// the outer node's own dependents.
type Def struct {
	Nodes  map[string]NodeDef
	Leaves []string // only meaningful for a nested Def
}
