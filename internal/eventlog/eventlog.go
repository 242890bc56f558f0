// Package eventlog reads, writes and merges the per-host event logs: one
// record per line, "timestamp:source:channel:payload", where payload is a
// quoted string in the same representation the remote helper protocol
// uses. A run produces one log per controlled host; Merge interleaves
// them by timestamp into the report directory's event.log and splits
// captured stream payloads into per-source files.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/mwanner-successor/dtester/internal/remproto"
)

// LocalSource tags records originating on the machine the harness itself
// runs on. Records from other sources additionally get their payloads
// split out into per-source files during Merge.
const LocalSource = "localhost"

// Record is one event-log line.
type Record struct {
	Timestamp int64
	Source    string
	Channel   string // "out", "err" or "info"
	Payload   string
}

// Encode renders r as a log line, without the trailing newline.
func (r Record) Encode() string {
	return fmt.Sprintf("%d:%s:%s:%s", r.Timestamp, r.Source, r.Channel, remproto.Repr(r.Payload))
}

// ParseRecord parses one log line (without its trailing newline).
func ParseRecord(line string) (Record, error) {
	var rec Record
	rest := line
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return rec, xerrors.Errorf("eventlog: missing timestamp in %q", line)
	}
	ts, err := strconv.ParseInt(rest[:i], 10, 64)
	if err != nil {
		return rec, xerrors.Errorf("eventlog: bad timestamp in %q: %w", line, err)
	}
	rest = rest[i+1:]
	i = strings.IndexByte(rest, ':')
	if i < 0 {
		return rec, xerrors.Errorf("eventlog: missing source in %q", line)
	}
	rec.Source = rest[:i]
	rest = rest[i+1:]
	i = strings.IndexByte(rest, ':')
	if i < 0 {
		return rec, xerrors.Errorf("eventlog: missing channel in %q", line)
	}
	rec.Channel = rest[:i]
	payload, err := remproto.UnreprString(rest[i+1:])
	if err != nil {
		return rec, xerrors.Errorf("eventlog: bad payload in %q: %w", line, err)
	}
	rec.Timestamp = ts
	rec.Payload = payload
	return rec, nil
}

// Writer appends records to one host's log file. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// NewWriter opens (creating if needed) the log file at path.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Writer{f: f}, nil
}

// Append writes one record.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintln(w.f, r.Encode())
	return err
}

// Close closes the underlying file.
func (w *Writer) Close() error { return w.f.Close() }

// ReadFile parses every record in the log file at path. Records within
// one file are expected to already be in timestamp order; ReadFile does
// not reorder them.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()
	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		r, err := ParseRecord(line)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("eventlog: read %s: %w", path, err)
	}
	return recs, nil
}

// RewriteSources rewrites each record's source through the given table
// (e.g. the remote helper's numeric job ids back to the originating node
// names). Sources with no table entry are left alone.
func RewriteSources(recs []Record, names map[string]string) {
	for i := range recs {
		if n, ok := names[recs[i].Source]; ok {
			recs[i].Source = n
		}
	}
}

// Merge interleaves the given per-host log files by timestamp into
// <reportDir>/event.log, and splits every non-local record's payload
// into <reportDir>/<source>.<channel>. Both the merged log and the split
// files are written via atomic rename, so a reader of reportDir never
// sees them half-written.
func Merge(hostLogs []string, reportDir string) error {
	perFile := make([][]Record, 0, len(hostLogs))
	for _, p := range hostLogs {
		recs, err := ReadFile(p)
		if err != nil {
			return err
		}
		perFile = append(perFile, recs)
	}

	merged := kwayMerge(perFile)

	var buf strings.Builder
	streams := make(map[string]*strings.Builder)
	for _, r := range merged {
		buf.WriteString(r.Encode())
		buf.WriteByte('\n')
		if r.Source == LocalSource {
			continue
		}
		key := r.Source + "." + r.Channel
		b, ok := streams[key]
		if !ok {
			b = &strings.Builder{}
			streams[key] = b
		}
		b.WriteString(r.Payload)
	}

	if err := renameio.WriteFile(filepath.Join(reportDir, "event.log"), []byte(buf.String()), 0o644); err != nil {
		return xerrors.Errorf("eventlog: write merged log: %w", err)
	}
	keys := make([]string, 0, len(streams))
	for k := range streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := renameio.WriteFile(filepath.Join(reportDir, k), []byte(streams[k].String()), 0o644); err != nil {
			return xerrors.Errorf("eventlog: write %s: %w", k, err)
		}
	}
	return nil
}

// kwayMerge merges per-file record slices, each already ordered, into one
// timestamp-ordered slice. Ties go to the earlier file, keeping the
// merge stable.
func kwayMerge(perFile [][]Record) []Record {
	idx := make([]int, len(perFile))
	total := 0
	for _, rs := range perFile {
		total += len(rs)
	}
	out := make([]Record, 0, total)
	for len(out) < total {
		best := -1
		for fi, rs := range perFile {
			if idx[fi] >= len(rs) {
				continue
			}
			if best == -1 || rs[idx[fi]].Timestamp < perFile[best][idx[best]].Timestamp {
				best = fi
			}
		}
		out = append(out, perFile[best][idx[best]])
		idx[best]++
	}
	return out
}

// CopyFile is a small helper for stashing a downloaded remote log into
// the run's tmp directory before merging.
func CopyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
