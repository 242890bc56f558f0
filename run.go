package dtester

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/env"
	"github.com/mwanner-successor/dtester/internal/eventlog"
	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/oninterrupt"
	"github.com/mwanner-successor/dtester/internal/reporter"
	"github.com/mwanner-successor/dtester/internal/scheduler"
	"github.com/mwanner-successor/dtester/internal/trace"
)

// Options configures a harness run. The zero value runs with no
// timeouts, a generated tmp dir and no report dir.
type Options struct {
	TestTimeout  time.Duration
	SuiteTimeout time.Duration

	// TmpDir holds per-host event logs during the run; it must not
	// pre-exist and is removed again when every test passed. Empty
	// means a pid-scoped directory under env.WorkRoot.
	TmpDir string

	// ReportDir, if non-empty, must not pre-exist; the merged event.log
	// and the per-stream capture files are written there.
	ReportDir string

	Reporter reporter.Reporter
	Logger   *log.Logger
}

// Run drives def to completion. Suites that need scratch space or that
// download a remote host's event log should place files under TmpDir
// (every *.log file there is included in the merge).
func Run(ctx context.Context, def graph.Def, opts Options) (*scheduler.Result, error) {
	tmpDir := opts.TmpDir
	if tmpDir == "" {
		tmpDir = filepath.Join(env.WorkRoot, fmt.Sprintf("run-%d", os.Getpid()))
	}
	if err := os.MkdirAll(filepath.Dir(tmpDir), 0o755); err != nil {
		return nil, xerrors.Errorf("tmp dir parent: %w", err)
	}
	if err := os.Mkdir(tmpDir, 0o755); err != nil {
		return nil, xerrors.Errorf("tmp dir must not pre-exist: %w", err)
	}
	oninterrupt.Register(func() { os.RemoveAll(tmpDir) })

	localLog, err := eventlog.NewWriter(filepath.Join(tmpDir, "event.log"))
	if err != nil {
		return nil, err
	}

	rep := opts.Reporter
	if rep == nil {
		rep = reporter.NewStream(os.Stderr)
	}

	res, runErr := scheduler.Run(ctx, scheduler.Config{
		Def:          def,
		Reporter:     &loggingReporter{next: rep, w: localLog},
		TestTimeout:  opts.TestTimeout,
		SuiteTimeout: opts.SuiteTimeout,
		Logger:       opts.Logger,
	})
	localLog.Close()
	if runErr != nil {
		return nil, runErr
	}

	if opts.ReportDir != "" {
		if err := os.Mkdir(opts.ReportDir, 0o755); err != nil {
			return res, xerrors.Errorf("report dir must not pre-exist: %w", err)
		}
		hostLogs, err := filepath.Glob(filepath.Join(tmpDir, "*.log"))
		if err != nil {
			return res, err
		}
		if err := eventlog.Merge(hostLogs, opts.ReportDir); err != nil {
			return res, err
		}
	}

	if res.Success() {
		os.RemoveAll(tmpDir)
	}
	return res, nil
}

// loggingReporter tees the reporter stream into the localhost event log,
// so a run's own lifecycle shows up in the merged report alongside the
// remote hosts' process output.
type loggingReporter struct {
	next  reporter.Reporter
	w     *eventlog.Writer
	spans map[string]*trace.PendingEvent
}

func (r *loggingReporter) span(phase, name string) {
	if r.spans == nil {
		r.spans = make(map[string]*trace.PendingEvent)
	}
	r.spans[name] = trace.Node(phase, name)
}

func (r *loggingReporter) endSpan(name string) {
	if pe, ok := r.spans[name]; ok {
		pe.Done()
		delete(r.spans, name)
	}
}

func (r *loggingReporter) record(payload string) {
	r.w.Append(eventlog.Record{
		Timestamp: time.Now().Unix(),
		Source:    eventlog.LocalSource,
		Channel:   "info",
		Payload:   payload,
	})
}

func (r *loggingReporter) Begin(names []string) {
	r.record(fmt.Sprintf("begin %d nodes", len(names)))
	r.next.Begin(names)
}

func (r *loggingReporter) StartSetUpSuite(name string) {
	r.record("setUp " + name)
	r.span("setUp", name)
	r.next.StartSetUpSuite(name)
}

func (r *loggingReporter) StopSetUpSuite(name string, err error) {
	r.endSpan(name)
	r.next.StopSetUpSuite(name, err)
}

func (r *loggingReporter) StartTest(name string) {
	r.record("test " + name)
	r.span("run", name)
	r.next.StartTest(name)
}

func (r *loggingReporter) StopTest(name string, outcome reporter.Outcome, err error) {
	r.endSpan(name)
	r.record(fmt.Sprintf("test %s %s", name, outcome))
	r.next.StopTest(name, outcome, err)
}

func (r *loggingReporter) StartTearDownSuite(name string) {
	r.record("tearDown " + name)
	r.span("tearDown", name)
	r.next.StartTearDownSuite(name)
}

func (r *loggingReporter) StopTearDownSuite(name string, err error) {
	r.endSpan(name)
	r.next.StopTearDownSuite(name, err)
}

func (r *loggingReporter) SuiteSetUpFailure(name string, err error) {
	r.record(fmt.Sprintf("setUp %s failed: %v", name, err))
	r.next.SuiteSetUpFailure(name, err)
}

func (r *loggingReporter) SuiteTearDownFailure(name string, err error) {
	r.record(fmt.Sprintf("tearDown %s failed: %v", name, err))
	r.next.SuiteTearDownFailure(name, err)
}

func (r *loggingReporter) Log(msg string) {
	r.record(msg)
	r.next.Log(msg)
}

func (r *loggingReporter) End(s reporter.Summary) {
	r.record("end")
	r.next.End(s)
}

// Main is the flag-based entry point a user's main function hands its
// test definition to: it parses the standard flag set, runs def, and
// returns the process exit status (0 iff every test ended OK, UX-OK or
// XFAIL).
func Main(def graph.Def) int {
	var (
		testTimeout  = flag.Duration("test_timeout", 0, "timeout for a single test body (0 = none)")
		suiteTimeout = flag.Duration("suite_timeout", 0, "timeout for a suite setUp/tearDown (0 = none)")
		tmpDir       = flag.String("tmp_dir", "", "working directory for per-host event logs (must not exist)")
		reportDir    = flag.String("report_dir", "", "directory for the merged event.log and stream captures (must not exist)")
		traceFile    = flag.Bool("trace", false, "write a Chrome trace event file of the run")
	)
	flag.Parse()

	if *traceFile {
		if err := trace.Enable("dtester"); err != nil {
			fmt.Fprintf(os.Stderr, "trace: %v\n", err)
		}
	}

	ctx, canc := InterruptibleContext()
	defer canc()

	res, err := Run(ctx, def, Options{
		TestTimeout:  *testTimeout,
		SuiteTimeout: *suiteTimeout,
		TmpDir:       *tmpDir,
		ReportDir:    *reportDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dtester: %v\n", err)
		return 1
	}
	if err := RunAtExit(); err != nil {
		fmt.Fprintf(os.Stderr, "dtester: atexit: %v\n", err)
	}
	if res.Success() {
		return 0
	}
	return 1
}
