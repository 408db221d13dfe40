package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(i int) Task {
	return Task{JobID: fmt.Sprintf("job-%d", i), FilePath: "/tmp/in.pdf", JobDir: "/tmp"}
}

func TestPoolRunsEveryTask(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	p := NewPool(3, 10, func(_ context.Context, t Task) error {
		mu.Lock()
		seen[t.JobID] = true
		mu.Unlock()
		return nil
	}, nil)
	p.Start()

	for i := 0; i < 25; i++ {
		require.NoError(t, p.Dispatch(context.Background(), task(i)))
	}
	p.Shutdown()

	assert.Len(t, seen, 25)
}

func TestPoolSurvivesPanicsAndErrors(t *testing.T) {
	var done atomic.Int32
	p := NewPool(1, 4, func(_ context.Context, t Task) error {
		defer done.Add(1)
		switch t.JobID {
		case "job-0":
			panic("boom")
		case "job-1":
			return errors.New("failed")
		}
		return nil
	}, nil)
	p.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Dispatch(context.Background(), task(i)))
	}
	p.Shutdown()
	assert.EqualValues(t, 3, done.Load())
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, Task) error { return nil }, nil)
	p.Start()
	p.Shutdown()
	p.Shutdown()
	assert.ErrorIs(t, p.Dispatch(context.Background(), task(1)), ErrPoolClosed)
}

func TestPoolDispatchHonoursContextWhenFull(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, 1, func(context.Context, Task) error {
		<-release
		return nil
	}, nil)
	p.Start()
	defer func() {
		close(release)
		p.Shutdown()
	}()

	require.NoError(t, p.Dispatch(context.Background(), task(0)))
	// Wait until the single worker holds task 0, then fill the one-slot queue.
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Dispatch(context.Background(), task(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Dispatch(ctx, task(2)), context.DeadlineExceeded)
}

func TestInlineAndValidation(t *testing.T) {
	var got Task
	d := Inline{Handler: func(_ context.Context, t Task) error {
		got = t
		return errors.New("ignored")
	}}
	require.NoError(t, d.Dispatch(context.Background(), task(7)))
	assert.Equal(t, "job-7", got.JobID)

	assert.Error(t, d.Dispatch(context.Background(), Task{}))
	assert.Error(t, Inline{}.Dispatch(context.Background(), task(1)))
}

func TestInlineDetachesHandlerFromCallerDeadline(t *testing.T) {
	var handlerErr error
	d := Inline{Handler: func(ctx context.Context, _ Task) error {
		select {
		case <-ctx.Done():
			handlerErr = ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.NoError(t, d.Dispatch(ctx, task(3)))
	assert.NoError(t, handlerErr)
}
