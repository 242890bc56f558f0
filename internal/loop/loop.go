// Package loop implements the single-threaded cooperative loop the rest
// of the harness is built on. Every state mutation made by the scheduler,
// the event bus, and the remote helper client is posted here and run on
// one goroutine, so callbacks never race against each other even though
// the operations they wait on (subprocess I/O, SSH replies, timers) are
// naturally concurrent.
package loop

import (
	"context"
	"sync"
)

// Loop runs posted functions one at a time, in the order they were
// posted, on a single goroutine.
type Loop struct {
	work    chan func()
	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// New starts a Loop. Call Stop when the run is over.
func New() *Loop {
	l := &Loop{
		work: make(chan func(), 256),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for f := range l.work {
		f()
	}
}

// Post schedules f to run on the loop goroutine. Post does not block for
// f to run; it only blocks if the internal queue is full, providing
// natural backpressure. Post is safe to call from any goroutine,
// including from within a function already running on the loop.
func (l *Loop) Post(f func()) {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed {
		return
	}
	l.work <- f
}

// Call posts f and blocks until it has run, returning its result. It
// must not be called from the loop goroutine itself (it would deadlock).
func Call[T any](l *Loop, f func() T) T {
	reply := make(chan T, 1)
	l.Post(func() { reply <- f() })
	return <-reply
}

// Stop drains remaining work and stops the loop goroutine. Safe to call
// more than once.
func (l *Loop) Stop() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	close(l.work)
	l.closeMu.Unlock()
	<-l.done
}

// Task is the tagged result union a Timeout-wrapped operation resolves
// to: exactly one of Err (failure), Expired (the deadline elapsed first)
// or neither (success, with Value populated).
type Task[T any] struct {
	Value   T
	Err     error
	Expired bool
}

// Timeout waits for a value on resultCh, an error on errCh, or the
// context's deadline, whichever comes first, and forwards exactly one of
// them. The two losing branches are abandoned (not drained); callers of
// Timeout must not assume resultCh/errCh are read again afterwards.
func Timeout[T any](ctx context.Context, resultCh <-chan T, errCh <-chan error) Task[T] {
	select {
	case v := <-resultCh:
		return Task[T]{Value: v}
	case err := <-errCh:
		return Task[T]{Err: err}
	case <-ctx.Done():
		return Task[T]{Expired: true}
	}
}

// Bridge lets a synchronous (worker-thread) test body make calls into
// loop-owned state without racing the loop goroutine.
type Bridge struct {
	l *Loop
}

// NewBridge returns a Bridge bound to l.
func NewBridge(l *Loop) *Bridge { return &Bridge{l: l} }

// Do runs f on the loop goroutine and waits for it to complete.
func (b *Bridge) Do(f func()) {
	done := make(chan struct{})
	b.l.Post(func() {
		f()
		close(done)
	})
	<-done
}

// RunBlocking runs fn on its own goroutine, handing it a Bridge bound to
// l so that any runtime call fn makes is marshalled back onto the loop.
// RunBlocking returns immediately; the returned channel receives fn's
// error when fn returns.
func RunBlocking(l *Loop, fn func(*Bridge) error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(NewBridge(l))
	}()
	return errCh
}
