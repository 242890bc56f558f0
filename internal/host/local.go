package host

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mwanner-successor/dtester/internal/eventbus"
	"github.com/mwanner-successor/dtester/internal/loop"
	"github.com/mwanner-successor/dtester/internal/process"
)

// firstPort is the start of the monotonic temp-port allocation range.
const firstPort = 32768

// Local implements Host directly against the local filesystem and
// process table.
type Local struct {
	name string
	root string // base directory temp dirs are allocated under

	l *loop.Loop

	mu      sync.Mutex
	nextTmp int
	nextPrt int
}

// NewLocal returns a Local host named name, allocating temp directories
// under root (which must already exist).
func NewLocal(l *loop.Loop, name, root string) *Local {
	return &Local{name: name, root: root, l: l, nextPrt: firstPort}
}

func (h *Local) HostName() string { return h.name }

func (h *Local) TempDir(desc string) (string, error) {
	h.mu.Lock()
	h.nextTmp++
	n := h.nextTmp
	h.mu.Unlock()
	safe := sanitize(desc)
	return filepath.Join(h.root, fmt.Sprintf("%d-%s", n, safe)), nil
}

func sanitize(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			b = append(b, c)
		} else {
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return "tmp"
	}
	return string(b)
}

func (h *Local) TempPort() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		p := h.nextPrt
		h.nextPrt++
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			continue // in use, try the next one
		}
		ln.Close()
		return p, nil
	}
}

func (h *Local) JoinPath(parts ...string) string {
	return filepath.Join(parts...)
}

func (h *Local) RecursiveList(ctx context.Context, root string) (<-chan Entry, <-chan error) {
	entries := make(chan Entry)
	errCh := make(chan error, 1)
	go func() {
		defer close(entries)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			kind := KindFile
			if info.IsDir() {
				kind = KindDir
			}
			mtime := info.ModTime()
			e := Entry{Kind: kind, Path: rel, Mtime: mtime, Atime: mtime, Ctime: mtime}
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			errCh <- wrap("recursiveList", root, err)
		}
		close(errCh)
	}()
	return entries, errCh
}

func (h *Local) RecursiveRemove(path string) error {
	return wrap("recursiveRemove", path, os.RemoveAll(path))
}

func (h *Local) RecursiveCopy(src, dest string, ignoreGlobs string) error {
	ignore := splitGlobs(ignoreGlobs)
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && matchesAny(ignore, filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
	return wrap("recursiveCopy", src, err)
}

func splitGlobs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func matchesAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (h *Local) AppendToFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrap("appendToFile", path, err)
	}
	defer f.Close()
	_, err = f.Write(data)
	return wrap("appendToFile", path, err)
}

func (h *Local) MakeDirectory(path string) error {
	return wrap("makeDirectory", path, os.MkdirAll(path, 0o755))
}

func (h *Local) Utime(path string, atime, mtime time.Time) error {
	return wrap("utime", path, os.Chtimes(path, atime, mtime))
}

func (h *Local) PrepareProcess(opt ProcessOptions) (Proc, <-chan struct{}, error) {
	mode := process.LineFramed
	if opt.IgnoreOutput {
		mode = process.Ignore
	} else if !opt.LineBased {
		mode = process.Raw
	}
	p := process.New(h.l, process.Options{
		Name:    opt.Name,
		Argv:    opt.Argv,
		Cwd:     opt.Cwd,
		OutMode: mode,
		ErrMode: mode,
	})
	return &localProc{p}, p.Done(), nil
}

// localProc adapts process.Process to the Proc interface, translating
// pattern hooks into event-bus matchers.
type localProc struct {
	*process.Process
}

func (lp *localProc) AddOutHook(pattern string, cb func(data string)) (func() error, error) {
	h := lp.Out.AddHook(eventbus.Matcher{Class: eventbus.StreamOut{}, Pattern: pattern}, func(e eventbus.Event) {
		cb(e.(eventbus.StreamOut).Data)
	})
	return h.Remove, nil
}

func (lp *localProc) AddErrHook(pattern string, cb func(data string)) (func() error, error) {
	h := lp.Err.AddHook(eventbus.Matcher{Class: eventbus.StreamErr{}, Pattern: pattern}, func(e eventbus.Event) {
		cb(e.(eventbus.StreamErr).Data)
	})
	return h.Remove, nil
}

const chunkSize = 64 * 1024

func (h *Local) UploadFile(ctx context.Context, src io.Reader, dest string) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wrap("uploadFile", dest, err)
	}
	defer out.Close()
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(out, src, buf)
	return wrap("uploadFile", dest, err)
}

func (h *Local) DownloadFile(ctx context.Context, src string, dest io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return wrap("downloadFile", src, err)
	}
	defer in.Close()
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(dest, in, buf)
	return wrap("downloadFile", src, err)
}
