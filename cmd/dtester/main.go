// dtester runs a small built-in self-check definition against the local
// host: a workspace suite that vends a scratch directory, and tests that
// exercise file operations and process supervision through it. It doubles
// as the reference for wiring a definition of your own to dtester.Main.
package main

import (
	"context"
	"os"

	"github.com/mwanner-successor/dtester/internal/dtest"
	"github.com/mwanner-successor/dtester/internal/graph"
	"github.com/mwanner-successor/dtester/internal/host"
	"github.com/mwanner-successor/dtester/internal/loop"

	"github.com/mwanner-successor/dtester"
)

// capWorkspace is provided by the workspace suite: a local host plus a
// created scratch directory.
var capWorkspace = graph.NewCapability("workspace")

type workspace struct {
	l    *loop.Loop
	host *host.Local
	dir  string
}

func (w *workspace) SetUp(ctx context.Context) (graph.SetUpResult, error) {
	w.l = loop.New()
	root, err := os.MkdirTemp("", "dtester-selfcheck")
	if err != nil {
		return graph.SetUpResult{}, err
	}
	w.host = host.NewLocal(w.l, "localhost", root)
	dir, err := w.host.TempDir("workspace")
	if err != nil {
		return graph.SetUpResult{}, err
	}
	if err := w.host.MakeDirectory(dir); err != nil {
		return graph.SetUpResult{}, err
	}
	w.dir = dir
	return graph.SetUpResult{}, nil
}

func (w *workspace) TearDown(ctx context.Context) error {
	err := w.host.RecursiveRemove(w.dir)
	w.l.Stop()
	return err
}

var workspaceSuite = graph.ClassDef{
	Kind:     graph.KindSuite,
	Provides: graph.NewCapabilitySet(capWorkspace),
	New: func(needs map[string]any, args []any) (any, error) {
		return &workspace{}, nil
	},
}

// fileOpsTest appends to a file twice and checks the result.
var fileOpsTest = graph.ClassDef{
	Kind: graph.KindTest,
	NeedSets: []graph.NeedSet{
		{{Name: "ws", Capability: capWorkspace}},
	},
	New: func(needs map[string]any, args []any) (any, error) {
		w := needs["ws"].(*workspace)
		return testFunc(func(ctx context.Context) error {
			var t dtest.T
			f := w.host.JoinPath(w.dir, "probe")
			if err := w.host.AppendToFile(f, []byte("one\n")); err != nil {
				return err
			}
			if err := w.host.AppendToFile(f, []byte("two\n")); err != nil {
				return err
			}
			b, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			return t.AssertEqual(string(b), "one\ntwo\n")
		}), nil
	},
}

// processTest runs `echo` under the supervisor and waits for the output
// hook to fire.
var processTest = graph.ClassDef{
	Kind: graph.KindTest,
	NeedSets: []graph.NeedSet{
		{{Name: "ws", Capability: capWorkspace}},
	},
	New: func(needs map[string]any, args []any) (any, error) {
		w := needs["ws"].(*workspace)
		return testFunc(func(ctx context.Context) error {
			p, done, err := w.host.PrepareProcess(host.ProcessOptions{
				Name:      "echo",
				Argv:      []string{"echo", "ready"},
				LineBased: true,
			})
			if err != nil {
				return err
			}
			matched := make(chan struct{}, 1)
			remove, err := p.AddOutHook("ready", func(string) {
				select {
				case matched <- struct{}{}:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer remove()
			if err := p.Start(); err != nil {
				return err
			}
			select {
			case <-matched:
			case <-ctx.Done():
				return ctx.Err()
			}
			<-done
			var t dtest.T
			return t.AssertEqual(p.ExitCode(), 0)
		}), nil
	},
}

type testFunc func(ctx context.Context) error

func (f testFunc) Run(ctx context.Context) error { return f(ctx) }

func main() {
	def := graph.Def{
		Nodes: map[string]graph.NodeDef{
			"workspace": {Class: workspaceSuite},
			"fileops":   {Class: fileOpsTest, Uses: []string{"workspace"}},
			"process":   {Class: processTest, Uses: []string{"workspace"}},
		},
	}
	os.Exit(dtester.Main(def))
}
