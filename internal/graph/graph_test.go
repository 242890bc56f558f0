package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var capA = NewCapability("A")
var capB = NewCapability("B")
var capC = NewCapability("C")

func suiteClass(provides ...*Capability) ClassDef {
	return ClassDef{
		Kind:     KindSuite,
		Provides: NewCapabilitySet(provides...),
		New:      func(map[string]any, []any) (any, error) { return nil, nil },
	}
}

func testClass(needSets ...NeedSet) ClassDef {
	return ClassDef{Kind: KindTest, NeedSets: needSets, New: func(map[string]any, []any) (any, error) { return nil, nil }}
}

func TestBuildSimpleNeedsEdge(t *testing.T) {
	def := Def{Nodes: map[string]NodeDef{
		"S": {Class: suiteClass(capA)},
		"T": {Class: testClass(NeedSet{{Name: "s", Capability: capA}}), Uses: []string{"S"}},
	}}
	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"S"}, g.Needs("T"))
	assert.Equal(t, []string{"T"}, g.Dependents("S"))
}

func TestMissingUsesMarksNodeUnsatisfied(t *testing.T) {
	// A node whose class requires needs but whose definition supplies no
	// uses at all still builds; the scheduler reports it as unable to
	// run rather than the whole definition being rejected.
	def := Def{Nodes: map[string]NodeDef{
		"T": {Class: testClass(NeedSet{{Name: "s", Capability: capA}})}, // no Uses given
	}}
	g, err := Build(def)
	require.NoError(t, err)
	assert.NotEmpty(t, g.Nodes["T"].Unsatisfied)
}

func TestWrongUsesIsDefinitionError(t *testing.T) {
	def := Def{Nodes: map[string]NodeDef{
		"S": {Class: suiteClass(capB)},
		"T": {Class: testClass(NeedSet{{Name: "s", Capability: capA}}), Uses: []string{"S"}},
	}}
	_, err := Build(def)
	require.Error(t, err)
	var de *DefinitionError
	assert.ErrorAs(t, err, &de)
}

func TestDisjunctiveNeedsSelectsVariant(t *testing.T) {
	class := testClass(
		NeedSet{{Name: "a", Capability: capA}},
		NeedSet{{Name: "b", Capability: capB}, {Name: "c", Capability: capC}},
	)
	def := Def{Nodes: map[string]NodeDef{
		"S1": {Class: suiteClass(capA, capB)},
		"S2": {Class: suiteClass(capC)},
		"V1": {Class: class, Uses: []string{"S1"}},
		"V2": {Class: class, Uses: []string{"S1", "S2"}},
	}}
	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, "S1", g.Nodes["V1"].NeedBindings["a"])
	assert.Equal(t, "S1", g.Nodes["V2"].NeedBindings["b"])
	assert.Equal(t, "S2", g.Nodes["V2"].NeedBindings["c"])
}

func TestDisjunctiveNeedsZeroOrMultipleMatchIsError(t *testing.T) {
	// Zero matches: uses doesn't satisfy either alternative's arity/capability.
	class := testClass(
		NeedSet{{Name: "a", Capability: capA}},
		NeedSet{{Name: "b", Capability: capB}},
	)
	def := Def{Nodes: map[string]NodeDef{
		"S": {Class: suiteClass(capC)},
		"T": {Class: class, Uses: []string{"S"}},
	}}
	_, err := Build(def)
	require.Error(t, err)

	// Multiple matches: both alternatives have arity 1 and S implements
	// both capabilities they ask for.
	class2 := testClass(
		NeedSet{{Name: "a", Capability: capA}},
		NeedSet{{Name: "b", Capability: capB}},
	)
	def2 := Def{Nodes: map[string]NodeDef{
		"S": {Class: suiteClass(capA, capB)},
		"T": {Class: class2, Uses: []string{"S"}},
	}}
	_, err2 := Build(def2)
	require.Error(t, err2)
}

func TestCyclicNeedsGraphRejected(t *testing.T) {
	capX := NewCapability("X")
	needX := NeedSet{{Name: "other", Capability: capX}}
	s1 := suiteClass(capX)
	s1.NeedSets = []NeedSet{needX}
	s2 := suiteClass(capX)
	s2.NeedSets = []NeedSet{needX}

	def := Def{Nodes: map[string]NodeDef{
		"S1": {Class: s1, Uses: []string{"S2"}},
		"S2": {Class: s2, Uses: []string{"S1"}},
	}}
	_, err := Build(def)
	require.Error(t, err)
}

func TestResourceSuiteGating(t *testing.T) {
	var acquired, released []string
	r := &ResourceSuite{
		OnAcquire: func(c string) { acquired = append(acquired, c) },
		OnRelease: func(c string) { released = append(released, c) },
	}
	assert.True(t, r.ReadyForChild("u1"))
	r.AddChild("u1")
	assert.False(t, r.ReadyForChild("u2"))
	r.RemoveChild("u1")
	assert.True(t, r.ReadyForChild("u2"))
	assert.Equal(t, []string{"u1"}, acquired)
	assert.Equal(t, []string{"u1"}, released)
}

func TestSpliceAddsParentDependencyAndLeaves(t *testing.T) {
	def := Def{Nodes: map[string]NodeDef{
		"S": {Class: suiteClass(capA)},
		"U": {Class: testClass(NeedSet{{Name: "s", Capability: capA}}), Uses: []string{"S"}},
	}}
	g, err := Build(def)
	require.NoError(t, err)

	nested := Def{
		Nodes: map[string]NodeDef{
			"child": {Class: testClass()},
		},
		Leaves: []string{"child"},
	}
	added, err := g.Splice("S", nested)
	require.NoError(t, err)
	assert.Equal(t, []string{"S.child"}, added)

	// the nested node depends on the parent
	assert.Contains(t, g.OrderingDeps("S.child"), "S")
	// U, an existing needs-dependent of S, now also depends on the leaf
	assert.Contains(t, g.OrderingDeps("U"), "S.child")
}
