// Package process implements the local process supervisor: it starts a
// child (optionally under a pty), frames its output as raw chunks or
// complete lines, and escalates termination from SIGINT through SIGTERM
// to SIGKILL.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/eventbus"
	"github.com/mwanner-successor/dtester/internal/loop"
)

// Mode selects how a process's output streams are framed into events.
type Mode int

const (
	// Raw emits one StreamOut/StreamErr event per read buffer.
	Raw Mode = iota
	// LineFramed accumulates output until '\n', emitting one event per
	// complete line, the newline included.
	LineFramed
	// Ignore discards output without emitting events.
	Ignore
)

// EscalationDelay is the time Stop waits between SIGINT, SIGTERM and
// SIGKILL. It is a var so tests don't have to wait 20s.
var EscalationDelay = 10 * time.Second

// ErrNotFound is returned by Start when name cannot be resolved against
// an absolute path, cwd, or $PATH.
var ErrNotFound = xerrors.New("process: executable not found")

// Process supervises one child process.
type Process struct {
	Out *eventbus.Source
	Err *eventbus.Source

	name    string
	argv    []string
	cwd     string
	env     []string
	usePty  bool
	outMode Mode
	errMode Mode
	l       *loop.Loop

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	ptyFile  *os.File
	started  bool
	ended    bool
	exitCode int
	doneCh   chan struct{}
}

// Options configures a new Process.
type Options struct {
	Name    string
	Argv    []string // if nil, Name is shell-split
	Cwd     string
	Env     []string
	UsePty  bool
	OutMode Mode
	ErrMode Mode
}

// New prepares (but does not start) a process. cwd, if set, must already
// exist; nothing checks it before Start, which fails if it is missing.
func New(l *loop.Loop, opt Options) *Process {
	argv := opt.Argv
	if argv == nil {
		argv = shellSplit(opt.Name)
	}
	return &Process{
		Out:     eventbus.NewSource(l),
		Err:     eventbus.NewSource(l),
		name:    opt.Name,
		argv:    argv,
		cwd:     opt.Cwd,
		env:     opt.Env,
		usePty:  opt.UsePty,
		outMode: opt.OutMode,
		errMode: opt.ErrMode,
		l:       l,
		doneCh:  make(chan struct{}),
	}
}

func shellSplit(s string) []string {
	// a minimal shell-like splitter: whitespace separated, no quoting
	// support beyond what the argv-list form is for.
	return strings.Fields(s)
}

func resolve(name string, cwd string) (string, error) {
	if strings.Contains(name, "/") {
		if strings.HasPrefix(name, "/") {
			if _, err := os.Stat(name); err == nil {
				return name, nil
			}
			return "", ErrNotFound
		}
		candidate := name
		if cwd != "" {
			candidate = cwd + "/" + name
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		return "", ErrNotFound
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", ErrNotFound
}

// Start resolves the executable and spawns it, wiring stdout/stderr
// readers per the configured Mode and pty setting.
func (p *Process) Start() error {
	if len(p.argv) == 0 {
		return xerrors.Errorf("process: empty command")
	}
	resolved, err := resolve(p.argv[0], p.cwd)
	if err != nil {
		return xerrors.Errorf("process %q: %w", p.argv[0], err)
	}

	cmd := exec.Command(resolved, p.argv[1:]...)
	cmd.Dir = p.cwd
	if p.env != nil {
		cmd.Env = p.env
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd = cmd

	if p.usePty {
		f, err := pty.Start(cmd)
		if err != nil {
			return xerrors.Errorf("process: pty start: %w", err)
		}
		p.ptyFile = f
		p.stdin = f
		p.started = true
		go p.pump(f, p.Out, p.outMode)
		go p.wait()
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return xerrors.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return xerrors.Errorf("process: stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return xerrors.Errorf("process: stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		return xerrors.Errorf("process: start: %w", err)
	}
	p.started = true
	// cmd.Wait closes the pipes, so it runs only once both readers have
	// reached EOF and emitted everything they read.
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); p.pump(stdout, p.Out, p.outMode) }()
	go func() { defer pumps.Done(); p.pump(stderr, p.Err, p.errMode) }()
	go func() { pumps.Wait(); p.wait() }()
	return nil
}

func (p *Process) pump(r io.Reader, src *eventbus.Source, mode Mode) {
	switch mode {
	case Ignore:
		io.Copy(io.Discard, r)
	case LineFramed:
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				if src == p.Out {
					src.Emit(eventbus.StreamOut{Data: line})
				} else {
					src.Emit(eventbus.StreamErr{Data: line})
				}
			}
			if err != nil {
				return
			}
		}
	default: // Raw
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := string(buf[:n])
				if src == p.Out {
					src.Emit(eventbus.StreamOut{Data: data})
				} else {
					src.Emit(eventbus.StreamErr{Data: data})
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.mu.Lock()
	p.ended = true
	p.exitCode = code
	p.mu.Unlock()
	p.Out.Emit(eventbus.ProcessEnded{ExitCode: code})
	close(p.doneCh)
}

// Done returns a channel closed exactly once ProcessEnded has been
// emitted.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// ExitCode returns the process's exit code; valid only after Done().
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Pid returns the child's process id; valid only after Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write writes to the process's stdin. Writes to an already-terminated
// process are silently dropped.
func (p *Process) Write(data []byte) {
	p.mu.Lock()
	stdin := p.stdin
	ended := p.ended
	p.mu.Unlock()
	if ended || stdin == nil {
		return
	}
	stdin.Write(data) // best-effort; a closed pipe reports via ended
}

// CloseStdin closes the process's standard input independently of
// stdout/stderr.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Stop terminates the process, escalating from SIGINT to SIGTERM to
// SIGKILL with EscalationDelay between each, tolerating a race with
// natural exit.
func (p *Process) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	signal := func(sig syscall.Signal) bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ended {
			return true
		}
		cmd.Process.Signal(sig)
		return false
	}

	if signal(syscall.SIGINT) {
		return
	}
	select {
	case <-p.doneCh:
		return
	case <-time.After(EscalationDelay):
	}
	if signal(syscall.SIGTERM) {
		return
	}
	select {
	case <-p.doneCh:
		return
	case <-time.After(EscalationDelay):
	}
	signal(syscall.SIGKILL)
}

// ExpandEnv performs $NAME/${NAME} expansion of value against env (a
// "NAME=VALUE" slice), appends NAME=expanded to env, and returns the
// updated slice. Subsequent calls see prior additions.
func ExpandEnv(env []string, name, value string) []string {
	lookup := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			lookup[kv[:i]] = kv[i+1:]
		}
	}
	expanded := os.Expand(value, func(k string) string { return lookup[k] })
	return append(env, fmt.Sprintf("%s=%s", name, expanded))
}
