package scheduler

import (
	"context"
	"log"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/loop"
	"github.com/mwanner-successor/dtester/internal/reporter"
)

// Config is everything a Run needs: the test definition, timeouts, and
// an optional reporter/logger.
type Config struct {
	Def          graph.Def
	Reporter     reporter.Reporter
	TestTimeout  time.Duration
	SuiteTimeout time.Duration
	Logger       *log.Logger
}

// Runner owns every mutable table the scheduler needs: node status,
// constructed implementations, outcomes, and in-flight cancel funcs. All
// of it is touched only from the loop goroutine; there is no
// package-level state, so concurrent runs don't interfere.
type Runner struct {
	g            *graph.Graph
	rep          reporter.Reporter
	log          *log.Logger
	testTimeout  time.Duration
	suiteTimeout time.Duration

	l   *loop.Loop
	ctx context.Context
	eg  *errgroup.Group

	status   map[string]Status
	impls    map[string]any
	outcome  map[string]reporter.Outcome
	err      map[string]error
	cancel   map[string]context.CancelFunc
	aborted  map[string]string
	held     map[string][]string
	pending  int
	finished bool
	done     chan struct{}
}

// Run builds cfg.Def into a graph and drives it to completion, blocking
// until every node has reached a terminal status or ctx is done and the
// resulting teardown/abort wave has drained.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	g, err := graph.Build(cfg.Def)
	if err != nil {
		return nil, err
	}

	rep := cfg.Reporter
	if rep == nil {
		rep = reporter.NewStream(os.Stderr)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.New(os.Stderr, "", log.LstdFlags)
	}

	r := &Runner{
		g:            g,
		rep:          rep,
		log:          lg,
		testTimeout:  cfg.TestTimeout,
		suiteTimeout: cfg.SuiteTimeout,
		ctx:          ctx,
		status:       make(map[string]Status, len(g.Nodes)),
		impls:        make(map[string]any, len(g.Nodes)),
		outcome:      make(map[string]reporter.Outcome, len(g.Nodes)),
		err:          make(map[string]error, len(g.Nodes)),
		cancel:       make(map[string]context.CancelFunc),
		aborted:      make(map[string]string),
		held:         make(map[string][]string),
		done:         make(chan struct{}),
	}
	for name := range g.Nodes {
		r.status[name] = Waiting
	}

	r.l = loop.New()
	defer r.l.Stop()
	var eg errgroup.Group
	r.eg = &eg

	names := sortedNames(g.Nodes)
	start := time.Now()

	r.l.Post(func() {
		r.rep.Begin(names)
		r.tick()
	})

	<-r.done
	r.eg.Wait() // every launch's tail is a loop.Post; this just drains stragglers

	summary := reporter.Summary{Duration: time.Since(start)}
	for _, name := range names {
		node := g.Nodes[name]
		if node.Def.Class.Kind != graph.KindTest {
			continue
		}
		summary.Total++
		switch r.outcome[name] {
		case reporter.OK, reporter.UXOK:
			summary.Succ++
		case reporter.SKIPPED, reporter.UXSKIP:
			summary.Skipped++
		case reporter.XFAIL:
			summary.XFail++
		default:
			summary.Errors++
		}
	}
	r.rep.End(summary)

	return &Result{
		Summary:  summary,
		Outcomes: cloneOutcomes(r.outcome),
		Errs:     cloneErrs(r.err),
	}, nil
}

func sortedNames(nodes map[string]*graph.Node) []string {
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func cloneOutcomes(m map[string]reporter.Outcome) map[string]reporter.Outcome {
	out := make(map[string]reporter.Outcome, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneErrs(m map[string]error) map[string]error {
	out := make(map[string]error, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// tick runs one scheduler turn: classify, then dispatch every
// abortable, terminatable and runnable node. It always runs on the loop
// goroutine, and the classify+dispatch step is atomic with respect to
// other turns because nothing else ever touches r's tables.
// Dispatch itself mutates r.status/r.impls/the reporter synchronously;
// only the long-running setUp/run/tearDown calls are handed to their own
// goroutines (tracked by the run-scoped r.eg so Run can drain them at
// the end), each of which reports back by posting a closure onto the
// loop when it completes — which is what re-enters tick for the next
// turn. tick must never block waiting for a launch: the
// launch's own completion callback is itself delivered through this same
// loop, so waiting here would deadlock the loop against its own progress.
func (r *Runner) tick() {
	if r.finished {
		return
	}
	runnable, terminatable, abortable := r.classify()

	if len(runnable) == 0 && len(terminatable) == 0 && len(abortable) == 0 {
		if r.pending == 0 {
			r.finished = true
			close(r.done)
		}
		return
	}

	var launches []func()
	for _, name := range abortable {
		launches = append(launches, r.dispatchAbort(name)...)
	}
	for _, name := range terminatable {
		if l := r.dispatchTearDown(name); l != nil {
			launches = append(launches, l)
		}
	}
	for _, name := range runnable {
		if l := r.dispatchStart(name); l != nil {
			launches = append(launches, l)
		}
	}

	for _, launch := range launches {
		launch := launch
		if launch == nil {
			continue
		}
		r.eg.Go(func() error {
			launch()
			return nil
		})
	}
}
