// Package helper implements the remote side of the controlled-host
// protocol: a line-oriented request/reply server that executes file
// operations and supervises processes on the machine it runs on. The
// dtester runtime uploads the compiled helper binary over SFTP and runs
// it on an SSH exec channel; everything the runtime does on a remote
// host goes through this server, one request per line on stdin and one
// reply per line on stdout.
package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mwanner-successor/dtester/internal/eventbus"
	"github.com/mwanner-successor/dtester/internal/eventlog"
	"github.com/mwanner-successor/dtester/internal/host"
	"github.com/mwanner-successor/dtester/internal/loop"
	"github.com/mwanner-successor/dtester/internal/process"
	"github.com/mwanner-successor/dtester/internal/remproto"
)

// Server serves one helper session: it owns the session's working
// directory, its event.log, and the table of in-flight process jobs.
type Server struct {
	l  *loop.Loop
	fs *host.Local

	outMu sync.Mutex
	out   io.Writer

	workDir string
	logW    *eventlog.Writer

	procMu sync.Mutex
	procs  map[int64]*procJob
}

// procJob accumulates a prepared process's settings between proc_prepare
// and proc_start, then carries the running process and its hooks.
type procJob struct {
	job     int64
	mode    string
	argv    []string
	cwd     string
	env     []string
	proc    *process.Process
	hooks   map[int64]*eventbus.HookHandle
	started bool
}

// New returns a Server replying on out. Serve does the reading.
func New(out io.Writer) *Server {
	l := loop.New()
	return &Server{
		l:     l,
		fs:    host.NewLocal(l, "helper", "."),
		out:   out,
		procs: make(map[int64]*procJob),
	}
}

// Serve reads requests from in until tear_down or EOF. It emits the
// hello line first, before any request is read.
func (s *Server) Serve(in io.Reader) error {
	s.hello()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if s.dispatch(line) {
			s.shutdown()
			return nil
		}
	}
	s.shutdown()
	return sc.Err()
}

func (s *Server) shutdown() {
	s.procMu.Lock()
	var running []*process.Process
	for _, pj := range s.procs {
		if pj.proc != nil && pj.started {
			running = append(running, pj.proc)
		}
	}
	s.procMu.Unlock()
	for _, p := range running {
		p.Stop()
	}
	if s.logW != nil {
		s.logW.Close()
	}
	s.l.Stop()
}

// send writes one reply line. All replies funnel through here so that
// concurrently completing jobs never interleave partial lines.
func (s *Server) send(cmd string, job int64, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, remproto.Encode(cmd, job, args...))
}

// hello reports the host identity, uname fields and path separator.
func (s *Server) hello() {
	hostname, _ := os.Hostname()
	var u unix.Utsname
	sysname, release, version, machine := "unknown", "", "", ""
	if err := unix.Uname(&u); err == nil {
		sysname = unixStr(u.Sysname[:])
		release = unixStr(u.Release[:])
		version = unixStr(u.Version[:])
		machine = unixStr(u.Machine[:])
	}
	s.send("hello", 0, hostname, sysname, release, version, machine, string(filepath.Separator))
}

func unixStr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// logEvent appends one record to the session's event.log, keyed by job
// id; the runtime rewrites the ids back to node names after download.
func (s *Server) logEvent(job int64, channel, data string) {
	if s.logW == nil {
		return
	}
	s.logW.Append(eventlog.Record{
		Timestamp: time.Now().Unix(),
		Source:    strconv.FormatInt(job, 10),
		Channel:   channel,
		Payload:   data,
	})
}

// dispatch handles one request line; it returns true once tear_down has
// been acknowledged and the session should end.
func (s *Server) dispatch(line string) (done bool) {
	msg, err := remproto.Parse(line)
	if err != nil {
		s.send("parse_error", 0, err.Error())
		return false
	}

	switch msg.Command {
	case "set_work_dir":
		s.setWorkDir(msg)
	case "list":
		s.list(msg)
	case "remove":
		s.fileOp(msg, func(args []any) error {
			p, err := remproto.ArgString(args, 0)
			if err != nil {
				return err
			}
			return s.fs.RecursiveRemove(p)
		})
	case "copy":
		s.fileOp(msg, func(args []any) error {
			src, err := remproto.ArgString(args, 0)
			if err != nil {
				return err
			}
			dest, err := remproto.ArgString(args, 1)
			if err != nil {
				return err
			}
			ignore := ""
			if len(args) > 2 {
				ignore, _ = args[2].(string)
			}
			return s.fs.RecursiveCopy(src, dest, ignore)
		})
	case "append":
		s.fileOp(msg, func(args []any) error {
			p, err := remproto.ArgString(args, 0)
			if err != nil {
				return err
			}
			data, err := remproto.ArgString(args, 1)
			if err != nil {
				return err
			}
			return s.fs.AppendToFile(p, []byte(data))
		})
	case "makedirs":
		s.fileOp(msg, func(args []any) error {
			p, err := remproto.ArgString(args, 0)
			if err != nil {
				return err
			}
			return s.fs.MakeDirectory(p)
		})
	case "utime":
		s.fileOp(msg, func(args []any) error {
			p, err := remproto.ArgString(args, 0)
			if err != nil {
				return err
			}
			at, err := remproto.ArgFloat(args, 1)
			if err != nil {
				return err
			}
			mt, err := remproto.ArgFloat(args, 2)
			if err != nil {
				return err
			}
			return s.fs.Utime(p, timeFromUnix(at), timeFromUnix(mt))
		})
	case "proc_prepare":
		s.procPrepare(msg)
	case "proc_cwd":
		s.procCwd(msg)
	case "proc_env":
		s.procEnv(msg)
	case "proc_start":
		s.procStart(msg)
	case "proc_write":
		s.procWrite(msg)
	case "proc_close_stdin":
		s.procCloseStdin(msg)
	case "proc_stop":
		s.procStop(msg)
	case "proc_add_hook":
		s.procAddHook(msg)
	case "proc_drop_hook":
		s.procDropHook(msg)
	case "tear_down":
		s.logEvent(msg.Job, "info", "tear_down")
		s.send("done", msg.Job)
		return true
	default:
		s.send("failed", msg.Job, fmt.Sprintf("unknown command %q", msg.Command))
	}
	return false
}

func timeFromUnix(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// setWorkDir creates the session working directory (which must not
// pre-exist), chdirs into it and opens event.log there.
func (s *Server) setWorkDir(msg *remproto.Message) {
	dir, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	if err := os.Chdir(dir); err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	w, err := eventlog.NewWriter("event.log")
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	s.workDir = dir
	s.logW = w
	s.fs = host.NewLocal(s.l, "helper", dir)
	s.logEvent(msg.Job, "info", "work dir "+dir)
	s.send("done", msg.Job)
}

// list streams one list_file/list_dir reply per entry, then done. Paths
// are relative to the supplied root, with no leading separator; times
// are unix seconds.
func (s *Server) list(msg *remproto.Message) {
	root, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	entries, errCh := s.fs.RecursiveList(context.Background(), root)
	for e := range entries {
		cmd := "list_file"
		if e.Kind == host.KindDir {
			cmd = "list_dir"
		}
		s.send(cmd, msg.Job, e.Path,
			float64(e.Atime.Unix()), float64(e.Mtime.Unix()), float64(e.Ctime.Unix()))
	}
	if err := <-errCh; err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	s.send("done", msg.Job)
}

func (s *Server) fileOp(msg *remproto.Message, op func(args []any) error) {
	if err := op(msg.Args); err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	s.send("done", msg.Job)
}

// procPrepare registers a process job. No reply is sent; the runtime
// holds the job open until proc_start produces proc_pid and, later, the
// terminal done.
func (s *Server) procPrepare(msg *remproto.Message) {
	mode, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	argv := make([]string, 0, len(msg.Args)-1)
	for _, a := range msg.Args[1:] {
		str, ok := a.(string)
		if !ok {
			s.send("failed", msg.Job, fmt.Sprintf("non-string argv element %v", a))
			return
		}
		argv = append(argv, str)
	}
	s.procMu.Lock()
	s.procs[msg.Job] = &procJob{
		job:   msg.Job,
		mode:  mode,
		argv:  argv,
		env:   os.Environ(),
		hooks: make(map[int64]*eventbus.HookHandle),
	}
	s.procMu.Unlock()
}

func (s *Server) lookupProc(msg *remproto.Message) *procJob {
	pj := s.lookupProcQuiet(msg.Job)
	if pj == nil {
		s.send("failed", msg.Job, "no such process job")
	}
	return pj
}

// lookupProcQuiet is for the commands that stay silent when the job has
// already been retired (a write, stop or close racing natural exit).
func (s *Server) lookupProcQuiet(job int64) *procJob {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.procs[job]
}

func (s *Server) procCwd(msg *remproto.Message) {
	pj := s.lookupProc(msg)
	if pj == nil {
		return
	}
	cwd, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	pj.cwd = cwd
}

func (s *Server) procEnv(msg *remproto.Message) {
	pj := s.lookupProc(msg)
	if pj == nil {
		return
	}
	key, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	value, err := remproto.ArgString(msg.Args, 1)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	pj.env = process.ExpandEnv(pj.env, key, value)
}

func (s *Server) procStart(msg *remproto.Message) {
	pj := s.lookupProc(msg)
	if pj == nil {
		return
	}
	usePty, err := remproto.ArgFloat(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	useShell, err := remproto.ArgFloat(msg.Args, 1)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}

	argv := pj.argv
	if useShell != 0 {
		argv = []string{"/bin/sh", "-c", joinShell(pj.argv)}
	}
	mode := process.LineFramed
	switch pj.mode {
	case "raw":
		mode = process.Raw
	case "ignore":
		mode = process.Ignore
	}
	p := process.New(s.l, process.Options{
		Name:    argv[0],
		Argv:    argv,
		Cwd:     pj.cwd,
		Env:     pj.env,
		UsePty:  usePty != 0,
		OutMode: mode,
		ErrMode: mode,
	})
	pj.proc = p

	// Standing hooks: every output line goes to event.log, and the
	// process end produces this job's terminal reply, never ahead of
	// proc_pid.
	pidSent := make(chan struct{})
	p.Out.AddHook(eventbus.Matcher{Class: eventbus.StreamOut{}}, func(e eventbus.Event) {
		data := e.(eventbus.StreamOut).Data
		s.logEvent(pj.job, "out", data)
	})
	p.Err.AddHook(eventbus.Matcher{Class: eventbus.StreamErr{}}, func(e eventbus.Event) {
		data := e.(eventbus.StreamErr).Data
		s.logEvent(pj.job, "err", data)
	})
	p.Out.AddHook(eventbus.Matcher{Class: eventbus.ProcessEnded{}}, func(e eventbus.Event) {
		<-pidSent
		code := e.(eventbus.ProcessEnded).ExitCode
		s.logEvent(pj.job, "info", fmt.Sprintf("ended %d", code))
		s.procMu.Lock()
		delete(s.procs, pj.job)
		s.procMu.Unlock()
		s.send("done", pj.job, int64(code))
	})

	if err := p.Start(); err != nil {
		s.procMu.Lock()
		delete(s.procs, pj.job)
		s.procMu.Unlock()
		s.send("failed", msg.Job, err.Error())
		return
	}
	pj.started = true
	s.logEvent(pj.job, "info", "started")
	s.send("proc_pid", msg.Job, int64(p.Pid()))
	close(pidSent)
}

func joinShell(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func (s *Server) procWrite(msg *remproto.Message) {
	pj := s.lookupProcQuiet(msg.Job)
	if pj == nil || pj.proc == nil {
		return // already terminated; drop silently
	}
	data, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	pj.proc.Write([]byte(data))
}

func (s *Server) procCloseStdin(msg *remproto.Message) {
	pj := s.lookupProcQuiet(msg.Job)
	if pj == nil || pj.proc == nil {
		return
	}
	pj.proc.CloseStdin()
}

func (s *Server) procStop(msg *remproto.Message) {
	pj := s.lookupProcQuiet(msg.Job)
	if pj == nil || pj.proc == nil {
		return
	}
	go pj.proc.Stop()
}

// procAddHook registers a pattern hook on one of the job's streams.
// Patterns are regular expressions here, matched per framed event (per
// line in line mode, per buffer otherwise); every match produces a
// hook_matched reply. The runtime tolerates matches for hooks it has
// already dropped on its side.
func (s *Server) procAddHook(msg *remproto.Message) {
	pj := s.lookupProc(msg)
	if pj == nil || pj.proc == nil {
		return
	}
	stream, err := remproto.ArgString(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	hookF, err := remproto.ArgFloat(msg.Args, 1)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	hookID := int64(hookF)
	pattern, err := remproto.ArgString(msg.Args, 2)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		s.send("failed", msg.Job, fmt.Sprintf("bad pattern: %v", err))
		return
	}

	match := func(data string) {
		if re.MatchString(data) {
			s.send("hook_matched", msg.Job, hookID, data)
		}
	}
	var h *eventbus.HookHandle
	if stream == "err" {
		h = pj.proc.Err.AddHook(eventbus.Matcher{Class: eventbus.StreamErr{}}, func(e eventbus.Event) {
			match(e.(eventbus.StreamErr).Data)
		})
	} else {
		h = pj.proc.Out.AddHook(eventbus.Matcher{Class: eventbus.StreamOut{}}, func(e eventbus.Event) {
			match(e.(eventbus.StreamOut).Data)
		})
	}
	pj.hooks[hookID] = h
	s.send("hook_added", msg.Job, hookID)
}

func (s *Server) procDropHook(msg *remproto.Message) {
	hookF, err := remproto.ArgFloat(msg.Args, 0)
	if err != nil {
		s.send("failed", msg.Job, err.Error())
		return
	}
	hookID := int64(hookF)
	// The job may already have been retired by its terminal done; a
	// drop for it is still acknowledged.
	if pj := s.lookupProcQuiet(msg.Job); pj != nil {
		if h, ok := pj.hooks[hookID]; ok {
			h.Remove()
			delete(pj.hooks, hookID)
		}
	}
	s.send("hook_dropped", msg.Job, hookID)
}
