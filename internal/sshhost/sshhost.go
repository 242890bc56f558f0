// Package sshhost implements the controlled-host surface for a machine
// reached over SSH. A single SSH connection carries an SFTP subsystem
// (helper upload, file transfer) and an exec channel running the
// dtester-helper binary; every other operation becomes one line of the
// helper protocol, tracked by a per-session job id.
package sshhost

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/eventlog"
	"github.com/mwanner-successor/dtester/internal/host"
	"github.com/mwanner-successor/dtester/internal/remproto"
)

// helperName is where the helper binary lands under the remote user's
// home directory.
const helperName = ".dtester-helper"

const firstPort = 32768

const chunkSize = 64 * 1024

// Config describes one remote host.
type Config struct {
	// Addr is the host:port the SSH connection dials.
	Addr string
	// ClientConfig carries user and auth; the caller decides host-key
	// policy.
	ClientConfig *ssh.ClientConfig
	// Name tags this host's event-log records.
	Name string
	// WorkDir is the session working directory; relative paths are
	// joined under the remote home. It must not pre-exist.
	WorkDir string
	// HelperSrc is the local path of the compiled dtester-helper binary
	// to upload.
	HelperSrc string
}

// job is one in-flight request. Exactly one of the branch fields is
// used, depending on the command kind.
type job struct {
	id   int64
	cmd  string
	args []any

	reply chan *remproto.Message // done/failed for one-shot commands

	// directory-listing jobs accumulate entries
	entries chan host.Entry
	listErr chan error

	// process jobs
	proc *remoteProc
}

// Remote implements host.Host over an SSH session.
type Remote struct {
	name    string
	client  *ssh.Client
	sftpc   *sftp.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	sep     string
	home    string
	workDir string

	writeMu sync.Mutex

	mu       sync.Mutex
	nextJob  int64
	nextHook int64
	nextTmp  int
	nextPort int
	jobs     map[int64]*job
	jobName  map[int64]string // process job id -> node name, for the log rewrite

	helloCh  chan *remproto.Message
	readDone chan struct{}
}

// Connect dials cfg.Addr, uploads the helper, starts it on an exec
// channel and completes the set_work_dir handshake.
func Connect(ctx context.Context, cfg Config) (*Remote, error) {
	client, err := ssh.Dial("tcp", cfg.Addr, cfg.ClientConfig)
	if err != nil {
		return nil, xerrors.Errorf("sshhost: dial %s: %w", cfg.Addr, err)
	}
	r, err := bootstrap(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

func bootstrap(ctx context.Context, client *ssh.Client, cfg Config) (*Remote, error) {
	sftpc, err := sftp.NewClient(client)
	if err != nil {
		return nil, xerrors.Errorf("sshhost: sftp subsystem: %w", err)
	}

	home, err := sftpc.Getwd()
	if err != nil {
		return nil, xerrors.Errorf("sshhost: remote home: %w", err)
	}

	helperPath := home + "/" + helperName
	if err := uploadHelper(sftpc, cfg.HelperSrc, helperPath); err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, xerrors.Errorf("sshhost: exec channel: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, xerrors.Errorf("sshhost: helper stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, xerrors.Errorf("sshhost: helper stdout: %w", err)
	}
	if err := sess.Start(helperPath); err != nil {
		return nil, xerrors.Errorf("sshhost: start helper: %w", err)
	}

	r := &Remote{
		name:     cfg.Name,
		client:   client,
		sftpc:    sftpc,
		sess:     sess,
		stdin:    stdin,
		home:     home,
		nextPort: firstPort,
		jobs:     make(map[int64]*job),
		jobName:  make(map[int64]string),
		helloCh:  make(chan *remproto.Message, 1),
		readDone: make(chan struct{}),
	}
	go r.readLoop(stdout)

	select {
	case hello := <-r.helloCh:
		if len(hello.Args) >= 6 {
			if sep, ok := hello.Args[5].(string); ok {
				r.sep = sep
			}
		}
	case <-ctx.Done():
		return nil, xerrors.Errorf("sshhost: waiting for hello: %w", ctx.Err())
	}
	if r.sep == "" {
		r.sep = "/"
	}

	r.workDir = cfg.WorkDir
	if !strings.HasPrefix(r.workDir, r.sep) {
		r.workDir = home + r.sep + r.workDir
	}
	if err := r.call(ctx, "set_work_dir", r.workDir); err != nil {
		return nil, err
	}
	return r, nil
}

func uploadHelper(sftpc *sftp.Client, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Errorf("sshhost: open helper %s: %w", src, err)
	}
	defer in.Close()
	out, err := sftpc.Create(dest)
	if err != nil {
		return xerrors.Errorf("sshhost: create %s: %w", dest, err)
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return xerrors.Errorf("sshhost: upload helper: %w", err)
	}
	if err := out.Close(); err != nil {
		return xerrors.Errorf("sshhost: upload helper: %w", err)
	}
	if err := sftpc.Chmod(dest, 0o755); err != nil {
		return xerrors.Errorf("sshhost: chmod helper: %w", err)
	}
	return nil
}

// send writes one request line to the helper.
func (r *Remote) send(cmd string, jobID int64, args ...any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := fmt.Fprintln(r.stdin, remproto.Encode(cmd, jobID, args...))
	if err != nil {
		return xerrors.Errorf("sshhost: send %s: %w", cmd, err)
	}
	return nil
}

func (r *Remote) newJob(cmd string, args ...any) *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextJob++
	j := &job{id: r.nextJob, cmd: cmd, args: args, reply: make(chan *remproto.Message, 1)}
	r.jobs[j.id] = j
	return j
}

func (r *Remote) retire(id int64) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// call issues one request and waits for its terminal done/failed.
func (r *Remote) call(ctx context.Context, cmd string, args ...any) error {
	j := r.newJob(cmd, args...)
	defer r.retire(j.id)
	if err := r.send(cmd, j.id, args...); err != nil {
		return err
	}
	select {
	case msg, ok := <-j.reply:
		if !ok {
			return xerrors.Errorf("sshhost: %s: session closed", cmd)
		}
		if msg.Command == "failed" {
			reason := "unknown failure"
			if s, err := remproto.ArgString(msg.Args, 0); err == nil {
				reason = s
			}
			return &host.Error{Op: cmd, Wrapped: xerrors.New(reason)}
		}
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("sshhost: %s: %w", cmd, ctx.Err())
	}
}

// readLoop parses every helper line and routes it to its job. Replies to
// a given job arrive in the order the helper emitted them; routing here
// preserves that order because this is the only reader.
func (r *Remote) readLoop(stdout io.Reader) {
	defer close(r.readDone)
	sc := newLineScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		msg, err := remproto.Parse(line)
		if err != nil {
			// A line that does not parse names no job to fail; it is
			// dropped without being reported anywhere.
			continue
		}
		if msg.Command == "hello" {
			select {
			case r.helloCh <- msg:
			default:
			}
			continue
		}
		r.route(msg)
	}
	// Session gone: every waiter gets an unblocking close.
	r.mu.Lock()
	for id, j := range r.jobs {
		if j.reply != nil {
			close(j.reply)
		}
		if j.entries != nil {
			close(j.entries)
			j.listErr <- xerrors.New("sshhost: session closed")
		}
		if j.proc != nil {
			j.proc.sessionLost()
		}
		delete(r.jobs, id)
	}
	r.mu.Unlock()
}

func (r *Remote) route(msg *remproto.Message) {
	r.mu.Lock()
	j := r.jobs[msg.Job]
	r.mu.Unlock()
	if j == nil {
		return // late reply for a retired job; tolerated
	}

	switch {
	case j.proc != nil:
		j.proc.handle(msg)
	case j.entries != nil:
		r.routeList(j, msg)
	default:
		select {
		case j.reply <- msg:
		default:
		}
	}
}

func (r *Remote) routeList(j *job, msg *remproto.Message) {
	switch msg.Command {
	case "list_file", "list_dir":
		rel, err := remproto.ArgString(msg.Args, 0)
		if err != nil {
			return
		}
		kind := host.KindFile
		if msg.Command == "list_dir" {
			kind = host.KindDir
		}
		at, _ := remproto.ArgFloat(msg.Args, 1)
		mt, _ := remproto.ArgFloat(msg.Args, 2)
		ct, _ := remproto.ArgFloat(msg.Args, 3)
		j.entries <- host.Entry{
			Kind:  kind,
			Path:  rel,
			Atime: time.Unix(int64(at), 0),
			Mtime: time.Unix(int64(mt), 0),
			Ctime: time.Unix(int64(ct), 0),
		}
	case "done":
		close(j.entries)
		close(j.listErr)
		r.retire(j.id)
	case "failed":
		reason := "listing failed"
		if s, err := remproto.ArgString(msg.Args, 0); err == nil {
			reason = s
		}
		close(j.entries)
		j.listErr <- &host.Error{Op: "recursiveList", Wrapped: xerrors.New(reason)}
		r.retire(j.id)
	}
}

// HostName implements host.Host.
func (r *Remote) HostName() string { return r.name }

// TempDir implements host.Host; the directory is under this session's
// working directory and is not created.
func (r *Remote) TempDir(desc string) (string, error) {
	r.mu.Lock()
	r.nextTmp++
	n := r.nextTmp
	r.mu.Unlock()
	safe := make([]byte, 0, len(desc))
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			safe = append(safe, c)
		} else {
			safe = append(safe, '_')
		}
	}
	return fmt.Sprintf("%s%s%d-%s", r.workDir, r.sep, n, safe), nil
}

// TempPort implements host.Host. There is no remote-side probe; the
// monotonic counter keeps allocations from colliding with each other
// within the run.
func (r *Remote) TempPort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.nextPort
	r.nextPort++
	return p, nil
}

// JoinPath implements host.Host using the separator the helper reported
// in its hello line.
func (r *Remote) JoinPath(parts ...string) string {
	return strings.Join(parts, r.sep)
}

// RecursiveList implements host.Host; entries stream in as the helper
// walks.
func (r *Remote) RecursiveList(ctx context.Context, root string) (<-chan host.Entry, <-chan error) {
	r.mu.Lock()
	r.nextJob++
	j := &job{
		id:      r.nextJob,
		cmd:     "list",
		entries: make(chan host.Entry, 16),
		listErr: make(chan error, 1),
	}
	r.jobs[j.id] = j
	r.mu.Unlock()

	if err := r.send("list", j.id, root); err != nil {
		r.retire(j.id)
		close(j.entries)
		j.listErr <- err
	}
	return j.entries, j.listErr
}

func (r *Remote) RecursiveRemove(path string) error {
	return r.call(context.Background(), "remove", path)
}

func (r *Remote) RecursiveCopy(src, dest string, ignoreGlobs string) error {
	if ignoreGlobs == "" {
		return r.call(context.Background(), "copy", src, dest)
	}
	return r.call(context.Background(), "copy", src, dest, ignoreGlobs)
}

func (r *Remote) AppendToFile(path string, data []byte) error {
	return r.call(context.Background(), "append", path, string(data))
}

func (r *Remote) MakeDirectory(path string) error {
	return r.call(context.Background(), "makedirs", path)
}

func (r *Remote) Utime(path string, atime, mtime time.Time) error {
	return r.call(context.Background(), "utime", path,
		float64(atime.Unix()), float64(mtime.Unix()))
}

// UploadFile implements host.Host over the SFTP subsystem, in 64 KiB
// chunks.
func (r *Remote) UploadFile(ctx context.Context, src io.Reader, dest string) error {
	out, err := r.sftpc.Create(dest)
	if err != nil {
		return &host.Error{Op: "uploadFile", Path: dest, Wrapped: err}
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(out, src, buf); err != nil {
		out.Close()
		return &host.Error{Op: "uploadFile", Path: dest, Wrapped: err}
	}
	if err := out.Close(); err != nil {
		return &host.Error{Op: "uploadFile", Path: dest, Wrapped: err}
	}
	return nil
}

// DownloadFile implements host.Host over the SFTP subsystem.
func (r *Remote) DownloadFile(ctx context.Context, src string, dest io.Writer) error {
	in, err := r.sftpc.Open(src)
	if err != nil {
		return &host.Error{Op: "downloadFile", Path: src, Wrapped: err}
	}
	defer in.Close()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(dest, in, buf); err != nil {
		return &host.Error{Op: "downloadFile", Path: src, Wrapped: err}
	}
	return nil
}

// TearDown ends the helper session, downloads its event.log to
// localLogPath and rewrites the per-job sources back to the node names
// recorded when each process was prepared. The rewritten file is what
// the caller registers as this host's log.
func (r *Remote) TearDown(ctx context.Context, localLogPath string) error {
	callErr := r.call(ctx, "tear_down")

	remoteLog := r.workDir + r.sep + "event.log"
	var dlErr error
	if localLogPath != "" {
		f, err := os.Create(localLogPath)
		if err != nil {
			dlErr = err
		} else {
			dlErr = r.DownloadFile(ctx, remoteLog, f)
			f.Close()
		}
		if dlErr == nil {
			dlErr = r.rewriteLog(localLogPath)
		}
	}

	r.stdin.Close()
	r.sess.Close()
	r.sftpc.Close()
	closeErr := r.client.Close()
	<-r.readDone

	if callErr != nil {
		return callErr
	}
	if dlErr != nil {
		return xerrors.Errorf("sshhost: event log download: %w", dlErr)
	}
	if closeErr != nil && closeErr != io.EOF {
		return closeErr
	}
	return nil
}

func (r *Remote) rewriteLog(path string) error {
	recs, err := eventlog.ReadFile(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	names := make(map[string]string, len(r.jobName))
	for id, name := range r.jobName {
		names[strconv.FormatInt(id, 10)] = name
	}
	r.mu.Unlock()
	eventlog.RewriteSources(recs, names)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintln(f, rec.Encode())
	}
	return f.Close()
}
