// Package host defines the uniform controlled-host capability surface —
// temp dirs and ports, recursive file operations, process preparation,
// file transfer — and implements the local (same-machine) host. The
// remote (SSH) implementation lives in internal/sshhost and satisfies
// the same interface.
package host

import (
	"context"
	"io"
	"time"
)

// EntryKind distinguishes files from directories in a recursive listing.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
)

// Entry is one item from RecursiveList.
type Entry struct {
	Kind    EntryKind
	Path    string // relative to the listed root, no leading separator
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// Error wraps any controlled-host operation failure with the operation
// and path it came from; callers decide whether to treat it as fatal.
type Error struct {
	Op      string
	Path    string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return "host: " + e.Op + " " + e.Path + ": " + e.Wrapped.Error()
	}
	return "host: " + e.Op + ": " + e.Wrapped.Error()
}

func (e *Error) Unwrap() error { return e.Wrapped }

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Wrapped: err}
}

// ProcessOptions configures PrepareProcess. Name doubles as the node
// name the host tags the process's event-log records with.
type ProcessOptions struct {
	Name         string
	Argv         []string
	Cwd          string
	LineBased    bool
	IgnoreOutput bool
}

// Proc is a prepared (and later, running) process on a controlled host.
// The local host backs it with an os/exec child directly; the remote
// host forwards every call through the helper protocol.
type Proc interface {
	Start() error
	// Write writes to the child's stdin; writes after termination are
	// silently dropped.
	Write(data []byte)
	CloseStdin() error
	// Stop terminates the child, escalating SIGINT, SIGTERM, SIGKILL.
	Stop()
	Done() <-chan struct{}
	// ExitCode is valid once Done() is closed.
	ExitCode() int

	// AddOutHook and AddErrHook register a pattern hook against one
	// output stream and return a remover. On the local host the pattern
	// is a substring test (empty matches everything); on a remote host
	// it travels to the helper, which treats it as a regular
	// expression. A callback may still fire after its remover returns.
	AddOutHook(pattern string, cb func(data string)) (remove func() error, err error)
	AddErrHook(pattern string, cb func(data string)) (remove func() error, err error)
}

// Host is the uniform capability surface a suite sees, whether the
// machine is local or reached over SSH.
type Host interface {
	// HostName returns a stable identifier used to tag event-log records.
	HostName() string

	// TempDir returns an absolute path unique within this host's working
	// directory for this run; it does not create the directory.
	TempDir(desc string) (string, error)

	// TempPort returns a free TCP port, monotonically allocated starting
	// at 32768 per host.
	TempPort() (int, error)

	// JoinPath joins path components using the host's native separator.
	JoinPath(parts ...string) string

	// RecursiveList lazily lists root's contents.
	RecursiveList(ctx context.Context, root string) (<-chan Entry, <-chan error)

	RecursiveRemove(path string) error

	// RecursiveCopy copies src to dest, skipping names matching any of
	// the semicolon-joined ignoreGlobs.
	RecursiveCopy(src, dest string, ignoreGlobs string) error

	AppendToFile(path string, data []byte) error
	MakeDirectory(path string) error
	Utime(path string, atime, mtime time.Time) error

	// PrepareProcess returns a not-yet-started process and a channel
	// closed when it ends.
	PrepareProcess(opt ProcessOptions) (Proc, <-chan struct{}, error)

	UploadFile(ctx context.Context, src io.Reader, dest string) error
	DownloadFile(ctx context.Context, src string, dest io.Writer) error
}
