// Package graph builds and validates the test graph: nodes,
// capability-typed needs, ordering-only dependencies, onlyAfter
// constraints, disjunctive need matching, and nested-subgraph splicing.
// Each edge kind is its own gonum.org/v1/gonum/graph/simple.DirectedGraph
// over a shared node id space, so validation (cycle detection) and the
// scheduler's walks stay separate per relation.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// DefinitionError reports a static problem with a test definition: a
// disjunctive-needs ambiguity, a dangling name reference, or a
// capability a referenced class doesn't implement.
type DefinitionError struct {
	Node   string
	Reason string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("graph: definition error in %q: %s", e.Node, e.Reason)
}

// gnode adapts a node name to gonum's graph.Node interface.
type gnode struct {
	id   int64
	name string
}

func (n *gnode) ID() int64 { return n.id }

// Node is one resolved node in the graph: its definition plus the
// needs/ordering/onlyAfter edges resolved to concrete node names.
type Node struct {
	Name   string
	Def    NodeDef
	Parent string // "" unless this node came from a spliced nested Def

	// Unsatisfied is non-empty when the class requires needs but the
	// definition supplies no uses at all. The node still enters the
	// graph; the scheduler reports it as unable to run instead of
	// rejecting the whole definition.
	Unsatisfied string

	// NeedBindings maps a local-binding-name (from the chosen NeedSet
	// alternative) to the provider node's name.
	NeedBindings map[string]string
	// NeedProviders lists provider node names in Uses order, for
	// dependency-edge purposes.
	NeedProviders []string

	g *gnode
}

// Graph is a fully validated test-graph: every name reference resolved,
// every disjunctive need matched to exactly one alternative, and the
// needs graph confirmed acyclic.
type Graph struct {
	Nodes map[string]*Node

	needs     *simple.DirectedGraph
	ordering  *simple.DirectedGraph
	onlyAfter *simple.DirectedGraph
	byID      map[int64]*Node
	nextID    int64
}

func newEmptyGraph() *Graph {
	return &Graph{
		Nodes:     make(map[string]*Node),
		needs:     simple.NewDirectedGraph(),
		ordering:  simple.NewDirectedGraph(),
		onlyAfter: simple.NewDirectedGraph(),
		byID:      make(map[int64]*Node),
	}
}

func (g *Graph) addNode(name string, def NodeDef, parent string) *Node {
	g.nextID++
	gn := &gnode{id: g.nextID, name: name}
	n := &Node{Name: name, Def: def, Parent: parent, NeedBindings: map[string]string{}, g: gn}
	g.Nodes[name] = n
	g.byID[gn.id] = n
	g.needs.AddNode(gn)
	g.ordering.AddNode(gn)
	g.onlyAfter.AddNode(gn)
	return n
}

// Build parses a Def into a validated Graph.
func Build(def Def) (*Graph, error) {
	g := newEmptyGraph()
	names := make([]string, 0, len(def.Nodes))
	for name, nd := range def.Nodes {
		names = append(names, name)
		g.addNode(name, nd, "")
	}
	sort.Strings(names) // deterministic edge-build order

	for _, name := range names {
		n := g.Nodes[name]
		if err := g.resolveNode(n); err != nil {
			return nil, err
		}
	}

	if _, err := topo.Sort(g.needs); err != nil {
		return nil, &DefinitionError{Reason: "needs graph has a cycle: " + err.Error()}
	}

	return g, nil
}

func (g *Graph) resolveNode(n *Node) error {
	_, bindings, err := matchNeeds(n.Def.Class.NeedSets, n.Def.Uses, g, n.Name)
	if err != nil {
		if len(n.Def.Uses) == 0 && len(n.Def.Class.NeedSets) > 0 {
			n.Unsatisfied = "no provider supplied for required needs"
			return g.resolveOrderingOnly(n)
		}
		return err
	}
	n.NeedBindings = bindings
	n.NeedProviders = append([]string(nil), n.Def.Uses...)

	for _, provider := range n.Def.Uses {
		p, ok := g.Nodes[provider]
		if !ok {
			return &DefinitionError{Node: n.Name, Reason: fmt.Sprintf("uses-target %q not found", provider)}
		}
		if p.Def.Class.Kind != KindSuite {
			return &DefinitionError{Node: n.Name, Reason: fmt.Sprintf("uses-target %q is not a suite", provider)}
		}
		g.needs.SetEdge(g.needs.NewEdge(n.g, p.g))
	}
	return g.resolveOrderingOnly(n)
}

// resolveOrderingOnly wires the non-capability edge kinds.
func (g *Graph) resolveOrderingOnly(n *Node) error {
	for _, dep := range n.Def.DependsOn {
		p, ok := g.Nodes[dep]
		if !ok {
			return &DefinitionError{Node: n.Name, Reason: fmt.Sprintf("depends-target %q not found", dep)}
		}
		g.ordering.SetEdge(g.ordering.NewEdge(n.g, p.g))
	}
	for _, dep := range n.Def.OnlyAfter {
		p, ok := g.Nodes[dep]
		if !ok {
			return &DefinitionError{Node: n.Name, Reason: fmt.Sprintf("onlyAfter-target %q not found", dep)}
		}
		g.onlyAfter.SetEdge(g.onlyAfter.NewEdge(n.g, p.g))
	}
	return nil
}

// matchNeeds applies the disjunctive-needs rule: exactly one NeedSet
// alternative must capability-match uses, by position (uses[i] must
// implement alt[i].Capability). Zero or multiple matches is a
// DefinitionError.
func matchNeeds(alts []NeedSet, uses []string, g *Graph, nodeName string) (NeedSet, map[string]string, error) {
	if len(alts) == 0 {
		// A class that declares no NeedSets at all needs nothing; this
		// is the common case for leaf tests and resource-less suites, so
		// callers aren't required to spell out a trivial empty
		// alternative.
		if len(uses) != 0 {
			return nil, nil, &DefinitionError{Node: nodeName, Reason: "uses given but class declares no needs"}
		}
		return NeedSet{}, map[string]string{}, nil
	}
	var matchedIdx = -1
	var matchedBindings map[string]string
	for idx, alt := range alts {
		if len(alt) != len(uses) {
			continue
		}
		bindings := make(map[string]string, len(alt))
		ok := true
		for i, need := range alt {
			provider, exists := g.Nodes[uses[i]]
			if !exists {
				ok = false
				break
			}
			if provider.Def.Class.Kind != KindSuite || !provider.Def.Class.Provides.Has(need.Capability) {
				ok = false
				break
			}
			bindings[need.Name] = uses[i]
		}
		if ok {
			if matchedIdx != -1 {
				return nil, nil, &DefinitionError{Node: nodeName, Reason: "ambiguous needs: multiple alternatives match"}
			}
			matchedIdx = idx
			matchedBindings = bindings
		}
	}
	if matchedIdx == -1 {
		return nil, nil, &DefinitionError{Node: nodeName, Reason: fmt.Sprintf("no need alternative matches uses=%s", strings.Join(uses, ","))}
	}
	return alts[matchedIdx], matchedBindings, nil
}

// Dependents returns the names of nodes whose needs or ordering edges
// point at name (i.e. name's dependents).
func (g *Graph) Dependents(name string) []string {
	n, ok := g.Nodes[name]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, gr := range []*simple.DirectedGraph{g.needs, g.ordering} {
		it := gr.To(n.g.ID())
		for it.Next() {
			dn := g.byID[it.Node().ID()]
			if !seen[dn.Name] {
				seen[dn.Name] = true
				out = append(out, dn.Name)
			}
		}
	}
	return out
}

// Needs returns the provider node names that name's needs are bound to.
func (g *Graph) Needs(name string) []string {
	if n, ok := g.Nodes[name]; ok {
		return n.NeedProviders
	}
	return nil
}

// OrderingDeps returns name's plain ordering-only dependency names.
func (g *Graph) OrderingDeps(name string) []string {
	if n, ok := g.Nodes[name]; ok {
		return n.Def.DependsOn
	}
	return nil
}

// OnlyAfter returns name's onlyAfter target names.
func (g *Graph) OnlyAfter(name string) []string {
	if n, ok := g.Nodes[name]; ok {
		return n.Def.OnlyAfter
	}
	return nil
}

// Splice grafts a nested Def published by parent's SetUp under
// parent's name (prefix "parent."): every nested node depends on
// parent, and every existing dependent of parent (by needs or ordering
// edge) additionally depends on the nested Def's declared leaves.
func (g *Graph) Splice(parent string, nested Def) ([]string, error) {
	if _, ok := g.Nodes[parent]; !ok {
		return nil, xerrors.Errorf("graph: splice: parent %q not found", parent)
	}

	prefixed := make(map[string]string, len(nested.Nodes)) // local name -> full name
	for local := range nested.Nodes {
		prefixed[local] = parent + "." + local
	}

	var added []string
	for local, nd := range nested.Nodes {
		full := prefixed[local]
		// Rewrite uses/dependsOn/onlyAfter references that point at
		// sibling nested nodes to their full (prefixed) names; a
		// reference that isn't a sibling is assumed to already be a
		// fully qualified name into the outer graph.
		nd.Uses = rewriteRefs(nd.Uses, prefixed)
		nd.DependsOn = rewriteRefs(nd.DependsOn, prefixed)
		nd.OnlyAfter = rewriteRefs(nd.OnlyAfter, prefixed)
		nd.DependsOn = append(nd.DependsOn, parent)

		g.addNode(full, nd, parent)
		added = append(added, full)
	}

	for _, full := range added {
		n := g.Nodes[full]
		if err := g.resolveNode(n); err != nil {
			return nil, err
		}
	}
	if _, err := topo.Sort(g.needs); err != nil {
		return nil, &DefinitionError{Reason: "spliced needs graph has a cycle: " + err.Error()}
	}

	leaves := make([]string, 0, len(nested.Leaves))
	for _, l := range nested.Leaves {
		leaves = append(leaves, prefixed[l])
	}
	if len(leaves) == 0 {
		leaves = added // no explicit leaves declared: every spliced node is one
	}

	for _, dependentName := range g.Dependents(parent) {
		dn := g.Nodes[dependentName]
		if dn.Parent != "" && dn.Parent == parent {
			continue // a node we just added ourselves
		}
		for _, leaf := range leaves {
			dn.Def.DependsOn = append(dn.Def.DependsOn, leaf)
			g.ordering.SetEdge(g.ordering.NewEdge(dn.g, g.Nodes[leaf].g))
		}
	}

	return added, nil
}

func rewriteRefs(refs []string, prefixed map[string]string) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		if full, ok := prefixed[r]; ok {
			out[i] = full
		} else {
			out[i] = r
		}
	}
	return out
}
