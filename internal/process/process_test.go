package process

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwanner-successor/dtester/internal/eventbus"
	"github.com/mwanner-successor/dtester/internal/loop"
)

func TestLineFramedOutput(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	p := New(l, Options{
		Argv:    []string{"/bin/sh", "-c", "echo one; echo two"},
		OutMode: LineFramed,
		ErrMode: Ignore,
	})

	var mu sync.Mutex
	var lines []string
	p.Out.AddHook(eventbus.Matcher{Class: eventbus.StreamOut{}}, func(e eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, e.(eventbus.StreamOut).Data)
	})

	require.NoError(t, p.Start())
	<-p.Done()

	// drain the loop so hooks have run
	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one\n", "two\n"}, lines)
	assert.Equal(t, 0, p.ExitCode())
}

func TestProcessEndedEmittedOnce(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	p := New(l, Options{Argv: []string{"/bin/true"}, OutMode: Ignore, ErrMode: Ignore})

	var count int
	var mu sync.Mutex
	p.Out.AddHook(eventbus.Matcher{Class: eventbus.ProcessEnded{}}, func(eventbus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, p.Start())
	<-p.Done()
	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestStartNotFound(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	p := New(l, Options{Argv: []string{"does-not-exist-anywhere"}})
	err := p.Start()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestWriteAfterTerminationDropped(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	p := New(l, Options{Argv: []string{"/bin/true"}, OutMode: Ignore, ErrMode: Ignore})
	require.NoError(t, p.Start())
	<-p.Done()
	assert.NotPanics(t, func() { p.Write([]byte("hello")) })
}

func TestExpandEnvSeesPriorAdditions(t *testing.T) {
	env := []string{"HOME=/home/x"}
	env = ExpandEnv(env, "BASE", "$HOME/base")
	env = ExpandEnv(env, "SUB", "${BASE}/sub")
	assert.Contains(t, env, "BASE=/home/x/base")
	assert.Contains(t, env, "SUB=/home/x/base/sub")
}

func TestStopEscalation(t *testing.T) {
	if os.Getenv("DTESTER_SLOW_TESTS") == "" {
		t.Skip("escalation test waits on real timers; set DTESTER_SLOW_TESTS=1 to run")
	}
	l := loop.New()
	defer l.Stop()
	EscalationDelay = 50 * time.Millisecond
	p := New(l, Options{Argv: []string{"/bin/sh", "-c", "trap '' INT TERM; sleep 5"}, OutMode: Ignore, ErrMode: Ignore})
	require.NoError(t, p.Start())
	go p.Stop()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not killed by escalation")
	}
}
