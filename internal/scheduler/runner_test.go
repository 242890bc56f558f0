package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/dtest"
	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/harnesstest"
	"github.com/mwanner-successor/dtester/internal/reporter"
)

func runDef(t *testing.T, def graph.Def, testTimeout, suiteTimeout time.Duration) (*Result, *harnesstest.Recorder) {
	t.Helper()
	rec := &harnesstest.Recorder{}
	res, err := Run(context.Background(), Config{
		Def:          def,
		Reporter:     rec,
		TestTimeout:  testTimeout,
		SuiteTimeout: suiteTimeout,
	})
	require.NoError(t, err)
	return res, rec
}

func TestBaselineOutcomes(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"A": {Class: harnesstest.SucceedingTest()},
		"B": {Class: harnesstest.FailingTest("intentional failure")},
		"S": {Class: harnesstest.NoOpSuite()},
		"U": {Class: harnesstest.SingleDepTest(), Uses: []string{"S"}},
		"C": {Class: harnesstest.CollectorTest()},
	}}
	res, rec := runDef(t, def, 0, 0)

	assert.Equal(t, reporter.OK, res.Outcomes["A"])
	assert.Equal(t, reporter.FAILED, res.Outcomes["B"])
	assert.Contains(t, res.Errs["B"].Error(), "intentional failure")
	assert.Equal(t, reporter.OK, res.Outcomes["U"])

	assert.Equal(t, reporter.FAILED, res.Outcomes["C"])
	var coll *dtest.FailureCollection
	require.True(t, xerrors.As(res.Errs["C"], &coll))
	assert.Len(t, coll.Failures, 2)

	// The suite's setUp and tearDown both completed cleanly.
	var sawSetUp, sawTearDown bool
	for _, c := range rec.Calls() {
		if c.Name != "S" {
			continue
		}
		switch c.Kind {
		case "stopSetUpSuite":
			sawSetUp = true
			assert.NoError(t, c.Err)
		case "stopTearDownSuite":
			sawTearDown = true
			assert.NoError(t, c.Err)
		}
	}
	assert.True(t, sawSetUp)
	assert.True(t, sawTearDown)

	assert.Equal(t, 4, res.Summary.Total)
	assert.Equal(t, 2, res.Summary.Succ)
	assert.Equal(t, 2, res.Summary.Errors)
	assert.False(t, res.Success())
}

func TestEveryNodeStopsExactlyOnce(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"A": {Class: harnesstest.SucceedingTest()},
		"B": {Class: harnesstest.FailingTest("nope")},
		"S": {Class: harnesstest.NoOpSuite()},
		"U": {Class: harnesstest.SingleDepTest(), Uses: []string{"S"}},
	}}
	_, rec := runDef(t, def, 0, 0)
	for _, name := range []string{"A", "B", "U"} {
		rec.StopTestCall(t, name) // fails unless exactly one stopTest
	}
}

func TestMissingNeedReportsUnableToRun(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"T": {Class: harnesstest.SingleDepTest()}, // no uses at all
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.UXSKIP, res.Outcomes["T"])
	var utr *dtest.UnableToRun
	assert.True(t, xerrors.As(res.Errs["T"], &utr))
}

func TestTestTimeout(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"hang": {Class: harnesstest.HangingTest()},
	}}
	res, _ := runDef(t, def, 100*time.Millisecond, 0)
	assert.Equal(t, reporter.TIMEOUT, res.Outcomes["hang"])
}

func TestSuiteTimeoutSkipsDependent(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"S": {Class: harnesstest.HangingSuite()},
		"T": {Class: harnesstest.SingleDepTest(), Uses: []string{"S"}},
	}}
	res, rec := runDef(t, def, 100*time.Millisecond, 100*time.Millisecond)

	assert.Equal(t, reporter.UXSKIP, res.Outcomes["T"])
	var failure Call
	for _, c := range rec.Calls() {
		if c.Kind == "suiteSetUpFailure" && c.Name == "S" {
			failure = c
		}
	}
	require.NotEmpty(t, failure.Kind)
	var te *dtest.TimeoutError
	assert.True(t, xerrors.As(failure.Err, &te))
}

// Call aliases the recorder's type for local declarations.
type Call = harnesstest.Call

func TestFailedSuiteAbortsDependentClosure(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"S":  {Class: harnesstest.FailingSuite("boom")},
		"T1": {Class: harnesstest.SingleDepTest(), Uses: []string{"S"}},
		"T2": {Class: harnesstest.SucceedingTest(), DependsOn: []string{"T1"}},
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.UXSKIP, res.Outcomes["T1"])
	// T2 only had an ordering edge on T1; T1 going terminal (not
	// failed) lets it run.
	assert.Equal(t, reporter.OK, res.Outcomes["T2"])
}

func TestXFailClassification(t *testing.T) {
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"xf":   {Class: harnesstest.FailingTest("expected"), XFail: true},
		"uxok": {Class: harnesstest.SucceedingTest(), XFail: true},
		"skip": {Class: harnesstest.SucceedingTest(), Skip: true},
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.XFAIL, res.Outcomes["xf"])
	assert.Equal(t, reporter.UXOK, res.Outcomes["uxok"])
	assert.Equal(t, reporter.SKIPPED, res.Outcomes["skip"])
	assert.False(t, res.Success()) // XFAIL and UX-OK count as success; SKIPPED does not
}

func TestVariantNeedsSelection(t *testing.T) {
	var mu sync.Mutex
	var variants []int
	record := func(v int) {
		mu.Lock()
		variants = append(variants, v)
		mu.Unlock()
	}

	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"s1": {Class: harnesstest.NoOpSuite()},
		"s2": {Class: harnesstest.OtherSuite()},
		"v1": {Class: harnesstest.VariantTest(record), Uses: []string{"s1"}},
		"v2": {Class: harnesstest.VariantTest(record), Uses: []string{"s1", "s2"}},
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.OK, res.Outcomes["v1"])
	assert.Equal(t, reporter.OK, res.Outcomes["v2"])
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2}, variants)
}

// resourceSuite gates one child at a time and logs acquire/release.
func resourceSuite(logf func(string)) graph.ClassDef {
	return graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(harnesstest.CapDummy),
		New: func(needs map[string]any, args []any) (any, error) {
			s := &resourceImpl{}
			s.OnAcquire = func(child string) { logf("acquire " + child) }
			s.OnRelease = func(child string) { logf("release " + child) }
			return s, nil
		},
	}
}

type resourceImpl struct {
	graph.ResourceSuite
}

func (s *resourceImpl) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	return graph.SetUpResult{}, nil
}
func (s *resourceImpl) TearDown(ctx context.Context) error { return nil }

// intermediateSuite uses the resource and provides CapOther for its own
// dependent.
func intermediateSuite() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindSuite,
		NeedSets: []graph.NeedSet{
			{{Name: "r", Capability: harnesstest.CapDummy}},
		},
		Provides: graph.NewCapabilitySet(harnesstest.CapOther),
		New: func(needs map[string]any, args []any) (any, error) {
			return &passthroughSuite{}, nil
		},
	}
}

type passthroughSuite struct{}

func (s *passthroughSuite) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	return graph.SetUpResult{}, nil
}
func (s *passthroughSuite) TearDown(ctx context.Context) error { return nil }

func otherDepTest() graph.ClassDef {
	return graph.ClassDef{
		Kind: graph.KindTest,
		NeedSets: []graph.NeedSet{
			{{Name: "dep", Capability: harnesstest.CapOther}},
		},
		New: func(needs map[string]any, args []any) (any, error) {
			return runFunc(func(ctx context.Context) error { return nil }), nil
		},
	}
}

type runFunc func(ctx context.Context) error

func (f runFunc) Run(ctx context.Context) error { return f(ctx) }

func TestResourceSerializesChildren(t *testing.T) {
	var mu sync.Mutex
	var seq []string
	logf := func(msg string) {
		mu.Lock()
		seq = append(seq, msg)
		mu.Unlock()
	}

	depTest := graph.ClassDef{
		Kind: graph.KindTest,
		NeedSets: []graph.NeedSet{
			{{Name: "r", Capability: harnesstest.CapDummy}},
		},
		New: func(needs map[string]any, args []any) (any, error) {
			return runFunc(func(ctx context.Context) error { return nil }), nil
		},
	}

	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"R":     {Class: resourceSuite(logf)},
		"inner": {Class: intermediateSuite(), Uses: []string{"R"}},
		"u1":    {Class: depTest, Uses: []string{"R"}},
		"u2":    {Class: otherDepTest(), Uses: []string{"inner"}},
		"u3":    {Class: depTest, Uses: []string{"R"}, OnlyAfter: []string{"u2"}},
	}}
	res, _ := runDef(t, def, 0, 0)
	for _, name := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, reporter.OK, res.Outcomes[name], name)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seq, 6)
	// Pairs never overlap: every acquire is followed by its own release.
	for i := 0; i < len(seq); i += 2 {
		assert.Equal(t, "acquire", seq[i][:7])
		assert.Equal(t, "release "+seq[i][8:], seq[i+1])
	}
	// u3 carries onlyAfter=[u2], so its pair comes last.
	assert.Equal(t, "acquire u3", seq[4])
}

func TestOnlyAfterSkipsOnlyOrdering(t *testing.T) {
	// A failing onlyAfter target does not abort the dependent; the
	// dependent still runs once the target is terminal.
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"bad":   {Class: harnesstest.FailingTest("nope")},
		"after": {Class: harnesstest.SucceedingTest(), OnlyAfter: []string{"bad"}},
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.FAILED, res.Outcomes["bad"])
	assert.Equal(t, reporter.OK, res.Outcomes["after"])
}

func TestNestedDefinitionSplicesUnderParent(t *testing.T) {
	nested := graph.Def{
		Nodes: map[string]graph.NodeDef{
			"child": {Class: harnesstest.SucceedingTest()},
		},
		Leaves: []string{"child"},
	}
	parent := graph.ClassDef{
		Kind:     graph.KindSuite,
		Provides: graph.NewCapabilitySet(harnesstest.CapDummy),
		New: func(needs map[string]any, args []any) (any, error) {
			return &nestingSuite{nested: &nested}, nil
		},
	}
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"P": {Class: parent},
		"T": {Class: harnesstest.SucceedingTest(), DependsOn: []string{"P"}},
	}}
	res, _ := runDef(t, def, 0, 0)
	assert.Equal(t, reporter.OK, res.Outcomes["P.child"])
	assert.Equal(t, reporter.OK, res.Outcomes["T"])
}

type nestingSuite struct {
	nested *graph.Def
}

func (s *nestingSuite) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	return graph.SetUpResult{Nested: s.nested}, nil
}
func (s *nestingSuite) TearDown(ctx context.Context) error { return nil }

func TestDependencyOrdering(t *testing.T) {
	// The suite must be running before its dependent starts, and still
	// running when the dependent finishes.
	def := graph.Def{Nodes: map[string]graph.NodeDef{
		"S": {Class: harnesstest.NoOpSuite()},
		"T": {Class: harnesstest.SingleDepTest(), Uses: []string{"S"}},
	}}
	_, rec := runDef(t, def, 0, 0)

	index := func(kind, name string) int {
		for i, c := range rec.Calls() {
			if c.Kind == kind && c.Name == name {
				return i
			}
		}
		return -1
	}
	setUpDone := index("stopSetUpSuite", "S")
	testStart := index("startTest", "T")
	testStop := index("stopTest", "T")
	tearDownStart := index("startTearDownSuite", "S")
	require.NotEqual(t, -1, setUpDone)
	require.NotEqual(t, -1, testStart)
	assert.Less(t, setUpDone, testStart)
	assert.Less(t, testStop, tearDownStart)
}
