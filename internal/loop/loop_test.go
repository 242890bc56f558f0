package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostOrdering(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(done) })
	<-done

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestCall(t *testing.T) {
	l := New()
	defer l.Stop()

	v := Call(l, func() int { return 42 })
	assert.Equal(t, 42, v)
}

func TestTimeoutResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	resultCh <- "ok"

	task := Timeout(ctx, resultCh, errCh)
	require.False(t, task.Expired)
	require.NoError(t, task.Err)
	assert.Equal(t, "ok", task.Value)
}

func TestTimeoutExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resultCh := make(chan string)
	errCh := make(chan error)

	task := Timeout(ctx, resultCh, errCh)
	assert.True(t, task.Expired)
}

func TestRunBlockingBridges(t *testing.T) {
	l := New()
	defer l.Stop()

	var onLoop int
	errCh := RunBlocking(l, func(b *Bridge) error {
		b.Do(func() { onLoop = 7 })
		return nil
	})
	require.NoError(t, <-errCh)
	assert.Equal(t, 7, Call(l, func() int { return onLoop }))
}
