package host

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwanner-successor/dtester/internal/loop"
)

func newTestLocal(t *testing.T) *Local {
	root := t.TempDir()
	l := loop.New()
	t.Cleanup(l.Stop)
	return NewLocal(l, "localhost", root)
}

func TestTempDirUniqueAndNotCreated(t *testing.T) {
	h := newTestLocal(t)
	a, err := h.TempDir("widget test")
	require.NoError(t, err)
	b, err := h.TempDir("widget test")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	_, statErr := os.Stat(a)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTempPortMonotonicAndFree(t *testing.T) {
	h := newTestLocal(t)
	p1, err := h.TempPort()
	require.NoError(t, err)
	p2, err := h.TempPort()
	require.NoError(t, err)
	assert.Greater(t, p2, p1)
	assert.GreaterOrEqual(t, p1, firstPort)
}

func TestRecursiveCopyThenList(t *testing.T) {
	h := newTestLocal(t)
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "skip.log"), []byte("x"), 0o644))

	dest := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, h.RecursiveCopy(src, dest, "*.log"))

	entries, errCh := h.RecursiveList(context.Background(), dest)
	var paths []string
	for e := range entries {
		paths = append(paths, e.Path)
	}
	require.NoError(t, <-errCh)
	assert.Contains(t, paths, "a.txt")
	assert.Contains(t, paths, "sub")
	assert.Contains(t, paths, filepath.Join("sub", "b.txt"))
	assert.NotContains(t, paths, "skip.log")
}

func TestAppendMakeDirUtime(t *testing.T) {
	h := newTestLocal(t)
	dir := filepath.Join(t.TempDir(), "d")
	require.NoError(t, h.MakeDirectory(dir))
	f := filepath.Join(dir, "log")
	require.NoError(t, h.AppendToFile(f, []byte("one\n")))
	require.NoError(t, h.AppendToFile(f, []byte("two\n")))
	b, err := os.ReadFile(f)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))

	at := time.Unix(1000, 0)
	mt := time.Unix(2000, 0)
	require.NoError(t, h.Utime(f, at, mt))
	info, err := os.Stat(f)
	require.NoError(t, err)
	assert.WithinDuration(t, mt, info.ModTime(), time.Second)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	h := newTestLocal(t)
	dest := filepath.Join(t.TempDir(), "up")
	require.NoError(t, h.UploadFile(context.Background(), bytes.NewBufferString("payload"), dest))

	var buf bytes.Buffer
	require.NoError(t, h.DownloadFile(context.Background(), dest, &buf))
	assert.Equal(t, "payload", buf.String())
}

func TestRecursiveRemoveIdempotent(t *testing.T) {
	h := newTestLocal(t)
	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, h.RecursiveRemove(dir)) // doesn't exist yet: still fine
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, h.RecursiveRemove(dir))
	require.NoError(t, h.RecursiveRemove(dir))
}
