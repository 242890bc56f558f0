// Package eventbus implements per-source hook sets: a source emits
// events, hooks match them by event class and pattern, and matching
// callbacks are scheduled on the cooperative loop in emission order.
package eventbus

import (
	"errors"
	"strings"
	"sync"

	"github.com/mwanner-successor/dtester/internal/loop"
)

// Event is any event a Source can emit.
type Event interface {
	// Matches reports whether the event should be delivered to a hook
	// registered with the given pattern. An empty pattern always
	// matches.
	Matches(pattern string) bool
}

// StreamOut is emitted for process stdout data.
type StreamOut struct{ Data string }

// Matches implements Event: a substring test, or true for an empty pattern.
func (e StreamOut) Matches(pattern string) bool {
	return pattern == "" || strings.Contains(e.Data, pattern)
}

// StreamErr is emitted for process stderr data.
type StreamErr struct{ Data string }

// Matches implements Event: a substring test, or true for an empty pattern.
func (e StreamErr) Matches(pattern string) bool {
	return pattern == "" || strings.Contains(e.Data, pattern)
}

// ProcessEnded is emitted exactly once, when the supervised process exits.
type ProcessEnded struct{ ExitCode int }

// Matches implements Event; ProcessEnded hooks never carry a pattern.
func (e ProcessEnded) Matches(pattern string) bool { return true }

// ErrHookNotFound is returned by HookHandle.Remove when the hook has
// already been removed.
var ErrHookNotFound = errors.New("eventbus: hook not found")

type hook struct {
	id       uint64
	accept   func(Event) bool
	callback func(Event)
}

// Source owns a set of hooks and schedules matching callbacks on a Loop
// whenever it emits an event.
type Source struct {
	l *loop.Loop

	mu     sync.Mutex
	hooks  map[uint64]*hook
	nextID uint64
}

// NewSource returns a Source that schedules callbacks on l.
func NewSource(l *loop.Loop) *Source {
	return &Source{l: l, hooks: make(map[uint64]*hook)}
}

// HookHandle is the opaque token returned by AddHook, used only to
// remove the hook later. This breaks the owner/hook reference cycle: the
// Source owns the hook record, the caller only ever holds a handle.
type HookHandle struct {
	src *Source
	id  uint64
}

// Remove unregisters the hook. Removing an already-removed (or never
// valid) handle returns ErrHookNotFound; a callback already scheduled
// before removal still runs; the callback must tolerate that.
func (h *HookHandle) Remove() error {
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	if _, ok := h.src.hooks[h.id]; !ok {
		return ErrHookNotFound
	}
	delete(h.src.hooks, h.id)
	return nil
}

// Matcher accepts events of a given Go type whose Matches(pattern)
// returns true. class is a zero-value instance used only to discriminate
// by dynamic type (Go has no abstract "event class" object, so the
// concrete type itself plays that role).
type Matcher struct {
	Class   Event
	Pattern string
}

func (m Matcher) accept(e Event) bool {
	if sameType(m.Class, e) {
		return e.Matches(m.Pattern)
	}
	return false
}

func sameType(a, b Event) bool {
	switch a.(type) {
	case StreamOut:
		_, ok := b.(StreamOut)
		return ok
	case StreamErr:
		_, ok := b.(StreamErr)
		return ok
	case ProcessEnded:
		_, ok := b.(ProcessEnded)
		return ok
	default:
		return false
	}
}

// AddHook registers callback to run (on the Loop) for every event
// accepted by m.
func (s *Source) AddHook(m Matcher, callback func(Event)) *HookHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.hooks[id] = &hook{id: id, accept: m.accept, callback: callback}
	return &HookHandle{src: s, id: id}
}

// Emit constructs no new Event (e is already a value); it schedules
// every currently-registered hook whose matcher accepts e, in a single
// pass taken under the lock so that concurrent AddHook/Remove calls
// cannot see a torn hook set. Each accepted hook's callback is Post-ed to
// the Loop, preserving the guarantee that emission order equals
// scheduling order; the order callbacks run in for a single emission is
// unspecified (map iteration order).
func (s *Source) Emit(e Event) {
	s.mu.Lock()
	matched := make([]*hook, 0, len(s.hooks))
	for _, h := range s.hooks {
		if h.accept(e) {
			matched = append(matched, h)
		}
	}
	s.mu.Unlock()

	for _, h := range matched {
		h := h
		s.l.Post(func() { h.callback(e) })
	}
}
