package sshhost

import (
	"bufio"
	"io"
	"sync"

	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/host"
	"github.com/mwanner-successor/dtester/internal/remproto"
)

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

// remoteProc is the client side of one helper process job. Its hook
// callbacks have two identities: the remover the caller holds, and the
// hook id the helper tracks; hook_matched lines arriving after a local
// drop are discarded here.
type remoteProc struct {
	r   *Remote
	job int64

	doneCh chan struct{}

	mu       sync.Mutex
	pid      int64
	exitCode int
	ended    bool
	pidCh    chan *remproto.Message
	hooks    map[int64]func(data string)
	hookAck  map[int64]chan *remproto.Message
}

// PrepareProcess implements host.Host: it registers a process job with
// the helper (proc_prepare, optionally proc_cwd) and returns a handle
// whose Start/Write/Stop calls each become one protocol line. opt.Name
// is recorded as the job's node name so the downloaded event log can be
// rewritten on teardown.
func (r *Remote) PrepareProcess(opt host.ProcessOptions) (host.Proc, <-chan struct{}, error) {
	mode := "lines"
	if opt.IgnoreOutput {
		mode = "ignore"
	} else if !opt.LineBased {
		mode = "raw"
	}

	argv := opt.Argv
	if argv == nil {
		argv = []string{opt.Name}
	}

	r.mu.Lock()
	r.nextJob++
	p := &remoteProc{
		r:       r,
		job:     r.nextJob,
		doneCh:  make(chan struct{}),
		pidCh:   make(chan *remproto.Message, 1),
		hooks:   make(map[int64]func(string)),
		hookAck: make(map[int64]chan *remproto.Message),
	}
	j := &job{id: p.job, cmd: "proc_prepare", proc: p}
	r.jobs[j.id] = j
	r.jobName[j.id] = opt.Name
	r.mu.Unlock()

	args := make([]any, 0, 1+len(argv))
	args = append(args, mode)
	for _, a := range argv {
		args = append(args, a)
	}
	if err := r.send("proc_prepare", p.job, args...); err != nil {
		r.retire(p.job)
		return nil, nil, err
	}
	if opt.Cwd != "" {
		if err := r.send("proc_cwd", p.job, opt.Cwd); err != nil {
			r.retire(p.job)
			return nil, nil, err
		}
	}
	return p, p.doneCh, nil
}

// handle routes one helper reply for this job. Called from the session's
// read loop only.
func (p *remoteProc) handle(msg *remproto.Message) {
	switch msg.Command {
	case "proc_pid", "failed":
		select {
		case p.pidCh <- msg:
		default:
		}
	case "done":
		code := int64(0)
		if len(msg.Args) > 0 {
			if c, ok := msg.Args[0].(int64); ok {
				code = c
			}
		}
		p.mu.Lock()
		already := p.ended
		p.ended = true
		p.exitCode = int(code)
		p.mu.Unlock()
		p.r.retire(p.job)
		if !already {
			close(p.doneCh)
		}
	case "hook_added", "hook_dropped":
		id, err := remproto.ArgFloat(msg.Args, 0)
		if err != nil {
			return
		}
		p.mu.Lock()
		ack := p.hookAck[int64(id)]
		p.mu.Unlock()
		if ack != nil {
			select {
			case ack <- msg:
			default:
			}
		}
	case "hook_matched":
		id, err := remproto.ArgFloat(msg.Args, 0)
		if err != nil {
			return
		}
		data, err := remproto.ArgString(msg.Args, 1)
		if err != nil {
			return
		}
		p.mu.Lock()
		cb := p.hooks[int64(id)]
		p.mu.Unlock()
		if cb != nil { // a match for a dropped hook is discarded
			cb(data)
		}
	}
}

// sessionLost unblocks waiters when the SSH session dies underneath the
// job. Only the read loop calls this, after its final line, so no
// handle() can race the channel closes.
func (p *remoteProc) sessionLost() {
	p.mu.Lock()
	already := p.ended
	p.ended = true
	p.exitCode = -1
	acks := p.hookAck
	p.hookAck = make(map[int64]chan *remproto.Message)
	p.mu.Unlock()
	if already {
		return
	}
	close(p.doneCh)
	close(p.pidCh)
	for _, ack := range acks {
		close(ack)
	}
}

// Start sends proc_start and waits for the helper's proc_pid (or its
// failure).
func (p *remoteProc) Start() error {
	if err := p.r.send("proc_start", p.job, int64(0), int64(0)); err != nil {
		return err
	}
	msg, ok := <-p.pidCh
	if !ok || msg == nil {
		return xerrors.New("sshhost: proc_start: session closed")
	}
	if msg.Command == "failed" {
		reason := "start failed"
		if s, err := remproto.ArgString(msg.Args, 0); err == nil {
			reason = s
		}
		return &host.Error{Op: "procStart", Wrapped: xerrors.New(reason)}
	}
	if pid, err := remproto.ArgFloat(msg.Args, 0); err == nil {
		p.mu.Lock()
		p.pid = int64(pid)
		p.mu.Unlock()
	}
	return nil
}

// Write forwards data to the remote child's stdin. The helper drops
// writes to an already-terminated process.
func (p *remoteProc) Write(data []byte) {
	p.r.send("proc_write", p.job, string(data))
}

func (p *remoteProc) CloseStdin() error {
	return p.r.send("proc_close_stdin", p.job)
}

// Stop asks the helper to terminate the child; the helper runs the
// SIGINT/SIGTERM/SIGKILL escalation on its side.
func (p *remoteProc) Stop() {
	p.r.send("proc_stop", p.job)
}

func (p *remoteProc) Done() <-chan struct{} { return p.doneCh }

func (p *remoteProc) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Pid returns the remote child's process id, zero before Start.
func (p *remoteProc) Pid() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *remoteProc) addHook(stream string, pattern string, cb func(data string)) (func() error, error) {
	p.r.mu.Lock()
	p.r.nextHook++
	id := p.r.nextHook
	p.r.mu.Unlock()

	ack := make(chan *remproto.Message, 1)
	p.mu.Lock()
	p.hookAck[id] = ack
	p.mu.Unlock()

	if err := p.r.send("proc_add_hook", p.job, stream, id, pattern); err != nil {
		return nil, err
	}
	msg := <-ack
	p.mu.Lock()
	delete(p.hookAck, id)
	p.mu.Unlock()
	if msg == nil || msg.Command != "hook_added" {
		return nil, xerrors.Errorf("sshhost: hook %d not added", id)
	}
	p.mu.Lock()
	p.hooks[id] = cb
	p.mu.Unlock()

	remove := func() error {
		p.mu.Lock()
		_, present := p.hooks[id]
		delete(p.hooks, id)
		p.mu.Unlock()
		if !present {
			return xerrors.Errorf("sshhost: hook %d already removed", id)
		}
		return p.r.send("proc_drop_hook", p.job, id)
	}
	return remove, nil
}

// AddOutHook implements host.Proc; the pattern travels to the helper,
// which treats it as a regular expression over stdout frames.
func (p *remoteProc) AddOutHook(pattern string, cb func(data string)) (func() error, error) {
	return p.addHook("out", pattern, cb)
}

// AddErrHook is AddOutHook for stderr.
func (p *remoteProc) AddErrHook(pattern string, cb func(data string)) (func() error, error) {
	return p.addHook("err", pattern, cb)
}
