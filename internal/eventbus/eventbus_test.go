package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwanner-successor/dtester/internal/loop"
)

func TestMatchesPattern(t *testing.T) {
	assert.True(t, StreamOut{Data: "hello world"}.Matches("world"))
	assert.False(t, StreamOut{Data: "hello world"}.Matches("nope"))
	assert.True(t, StreamOut{Data: "anything"}.Matches(""))
}

func TestEmitDeliversToMatchingHookOnly(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	src := NewSource(l)

	var mu sync.Mutex
	var outLines, errLines []string
	src.AddHook(Matcher{Class: StreamOut{}}, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		outLines = append(outLines, e.(StreamOut).Data)
	})
	src.AddHook(Matcher{Class: StreamErr{}}, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		errLines = append(errLines, e.(StreamErr).Data)
	})

	src.Emit(StreamOut{Data: "one"})
	src.Emit(StreamErr{Data: "two"})
	src.Emit(StreamOut{Data: "three"})

	// drain the loop
	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "three"}, outLines)
	assert.Equal(t, []string{"two"}, errLines)
}

func TestRemoveHookIsIdempotentlyFailing(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	src := NewSource(l)
	h := src.AddHook(Matcher{Class: StreamOut{}}, func(Event) {})
	require.NoError(t, h.Remove())
	assert.ErrorIs(t, h.Remove(), ErrHookNotFound)
}

func TestPatternEmptyMatchesAnyData(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	src := NewSource(l)

	matched := make(chan struct{}, 1)
	src.AddHook(Matcher{Class: StreamOut{}, Pattern: ""}, func(Event) {
		matched <- struct{}{}
	})
	src.Emit(StreamOut{Data: "anything at all"})
	<-matched
}
