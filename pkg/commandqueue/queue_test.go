package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, lanes map[string]int) *Queue {
	t.Helper()
	q := New(Config{Lanes: lanes, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueue(t *testing.T) {
	q := newQueue(t, nil)

	executed := false
	err := q.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		executed = true
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestEnqueueTaskError(t *testing.T) {
	q := newQueue(t, nil)

	expected := errors.New("task failed")
	err := q.Enqueue(context.Background(), "test", func(ctx context.Context) error {
		return expected
	}, nil)

	assert.ErrorIs(t, err, expected)
}

func TestSubmitRequiresTask(t *testing.T) {
	q := newQueue(t, nil)

	_, err := q.Submit(context.Background(), "test", nil, nil)
	assert.Error(t, err)
}

func TestSubmitReturnsImmediately(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	ticket, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "lane", ticket.Lane())
	assert.NotEmpty(t, ticket.ID())

	select {
	case <-ticket.Done():
		t.Fatal("task finished before release")
	default:
	}
	assert.NoError(t, ticket.Err())

	close(release)
	assert.NoError(t, ticket.Wait(context.Background()))
}

func TestLaneIsFIFOAndSerial(t *testing.T) {
	q := newQueue(t, nil)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)

	tickets := make([]*Ticket, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		ticket, err := q.Submit(context.Background(), "serial", func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}, nil)
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}

	for _, ticket := range tickets {
		require.NoError(t, ticket.Wait(context.Background()))
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, overlap.Load())
}

func TestLanesRunConcurrently(t *testing.T) {
	q := newQueue(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := q.Submit(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	<-started

	err = q.Enqueue(context.Background(), "b", func(ctx context.Context) error { return nil }, nil)
	assert.NoError(t, err, "lane b must not wait for lane a")

	close(release)
	require.NoError(t, blocker.Wait(context.Background()))
}

func TestCancelledQueuedTaskNeverRuns(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	first, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second, err := q.Submit(ctx, "lane", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, nil)
	require.NoError(t, err)

	cancel()
	close(release)

	require.NoError(t, first.Wait(context.Background()))
	assert.ErrorIs(t, second.Wait(context.Background()), context.Canceled)
	assert.False(t, ran.Load())
}

func TestCancelledQueuedTaskFinishesWithoutWaitingForLane(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	defer close(release)
	_, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	second, err := q.Submit(ctx, "lane", func(ctx context.Context) error {
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q.QueueSize("lane"))

	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	assert.ErrorIs(t, second.Wait(waitCtx), context.Canceled)
	assert.Equal(t, 0, q.QueueSize("lane"))
	assert.Equal(t, 1, q.RunningCount("lane"))
}

func TestDynamicLaneDroppedWhenIdle(t *testing.T) {
	q := newQueue(t, map[string]int{"pool": 2})

	require.NoError(t, q.Enqueue(context.Background(), "session-1", func(ctx context.Context) error { return nil }, nil))
	require.NoError(t, q.Enqueue(context.Background(), "pool", func(ctx context.Context) error { return nil }, nil))

	stats := q.Stats()
	assert.NotContains(t, stats, "session-1")
	assert.Contains(t, stats, DefaultLane)
	assert.Equal(t, 2, stats["pool"].Concurrency)
}

func TestClearLane(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	running, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	var queued []*Ticket
	for i := 0; i < 3; i++ {
		ticket, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error { return nil }, nil)
		require.NoError(t, err)
		queued = append(queued, ticket)
	}
	assert.Equal(t, 3, q.QueueSize("lane"))
	assert.Equal(t, 1, q.RunningCount("lane"))

	assert.Equal(t, 3, q.ClearLane("lane"))
	for _, ticket := range queued {
		assert.ErrorIs(t, ticket.Wait(context.Background()), ErrLaneCleared)
	}

	close(release)
	assert.NoError(t, running.Wait(context.Background()))
	assert.Equal(t, 0, q.ClearLane("missing"))
}

func TestSetConcurrency(t *testing.T) {
	q := newQueue(t, nil)

	q.SetConcurrency("wide", 3)
	assert.Equal(t, 3, q.Stats()["wide"].Concurrency)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, err := q.Submit(context.Background(), "wide", func(ctx context.Context) error {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}, nil)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return peak.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

func TestWaitForActive(t *testing.T) {
	q := newQueue(t, nil)

	_, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, q.WaitForActive(time.Second))
}

func TestWarnAfterCallsOnWait(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	waited := make(chan int, 1)
	ticket, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error { return nil }, &TaskOptions{
		WarnAfter: 10 * time.Millisecond,
		OnWait: func(wait time.Duration, queuePos int) {
			waited <- queuePos
		},
	})
	require.NoError(t, err)

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait not called")
	}

	close(release)
	assert.NoError(t, ticket.Wait(context.Background()))
}

func TestCloseCancelsAndRejects(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	running, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	<-started

	queued, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, running.Wait(context.Background()), context.Canceled)
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrClosed)

	_, err = q.Submit(context.Background(), "lane", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTicketWaitHonoursContext(t *testing.T) {
	q := newQueue(t, nil)

	release := make(chan struct{})
	ticket, err := q.Submit(context.Background(), "lane", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ticket.Wait(ctx), context.DeadlineExceeded)
	close(release)
}
