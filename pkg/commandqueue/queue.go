package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultLane always exists with concurrency one.
const DefaultLane = "main"

var (
	// ErrClosed is returned by Submit after Close, and is the result of
	// tasks still queued when the queue closes.
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is the result of tasks removed by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is a unit of work run on a lane.
type Task func(ctx context.Context) error

// TaskOptions tunes a single submission.
type TaskOptions struct {
	// WarnAfter logs and calls OnWait if the task is still queued after
	// this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Ticket tracks a submitted task.
type Ticket struct {
	id   string
	lane string
	done chan struct{}
	err  error
}

// ID returns the task id.
func (t *Ticket) ID() string { return t.id }

// Lane returns the lane the task was submitted to.
func (t *Ticket) Lane() string { return t.lane }

// Done is closed once the task finished or was dropped.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task result. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finished or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}

type taskRecord struct {
	ticket     *Ticket
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	// stopDrop unregisters the removal of the record on ctx cancellation.
	stopDrop func() bool
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	// static lanes are configured up front and never dropped.
	static bool
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

// Config configures a Queue.
type Config struct {
	// Lanes presets concurrency for named lanes.
	Lanes  map[string]int
	Logger zerolog.Logger
}

// Queue provides lane-based task serialization with concurrency control.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    int
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates a Queue with the default lane and any configured lanes.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}

	q.lanes[DefaultLane] = &laneState{concurrency: 1, static: true}
	for lane, concurrency := range cfg.Lanes {
		if concurrency < 1 {
			concurrency = 1
		}
		q.lanes[lane] = &laneState{concurrency: concurrency, static: true}
	}
	return q
}

// Submit queues task on lane and returns without waiting for it. The task
// runs with a context derived from ctx that is also cancelled by Close. A
// task whose ctx ends while it is still queued is removed at once and its
// ticket finishes with the context error.
func (q *Queue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (*Ticket, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if lane == "" {
		lane = DefaultLane
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}

	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		q.lanes[lane] = ls
		q.logger.Debug().Str("lane", lane).Msg("Lane initialized")
	}

	q.seq++
	record := &taskRecord{
		ticket: &Ticket{
			id:   fmt.Sprintf("%s-%d", lane, q.seq),
			lane: lane,
			done: make(chan struct{}),
		},
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
	}
	record.stopDrop = context.AfterFunc(ctx, func() {
		q.dropCancelled(lane, record)
	})
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	q.pumpLocked(lane, ls)
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.ticket.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go q.warnIfWaiting(record, lane)
	}
	return record.ticket, nil
}

// Enqueue submits task and waits for its result.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	ticket, err := q.Submit(ctx, lane, task, options)
	if err != nil {
		return err
	}
	return ticket.Wait(ctx)
}

// pumpLocked starts queued tasks while the lane has capacity.
func (q *Queue) pumpLocked(lane string, ls *laneState) {
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		record.stopDrop()
		if err := record.ctx.Err(); err != nil {
			record.ticket.finish(err)
			continue
		}

		ls.running++
		q.wg.Add(1)
		go q.execute(lane, record)
	}
}

// dropCancelled removes record from its lane if it has not started yet.
func (q *Queue) dropCancelled(lane string, record *taskRecord) {
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		q.mu.Unlock()
		return
	}
	idx := slices.Index(ls.queue, record)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	ls.queue = slices.Delete(ls.queue, idx, idx+1)
	queueSize := len(ls.queue)
	dropped := false
	if !ls.static && ls.running == 0 && queueSize == 0 {
		delete(q.lanes, lane)
		dropped = true
	}
	q.mu.Unlock()

	err := record.ctx.Err()
	record.ticket.finish(err)

	q.logger.Debug().
		Str("lane", lane).
		Str("task_id", record.ticket.id).
		Err(err).
		Msg("Queued task cancelled")
	observability.SetQueueSize(lane, queueSize)
	if dropped {
		observability.ForgetLane(lane)
	}
}

func (q *Queue) execute(lane string, record *taskRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(
		record.ctx,
		"agentcore.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.ticket.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	start := time.Now()
	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.ticket.id).
		Dur("waited", start.Sub(record.enqueuedAt)).
		Msg("Task started")

	err := record.task(runCtx)

	stop()
	cancel()
	duration := time.Since(start)

	q.mu.Lock()
	ls := q.lanes[lane]
	ls.running--
	queueSize := len(ls.queue)
	q.pumpLocked(lane, ls)
	dropped := false
	if !ls.static && ls.running == 0 && len(ls.queue) == 0 {
		delete(q.lanes, lane)
		dropped = true
	}
	q.mu.Unlock()

	record.ticket.finish(err)

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.ticket.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.ticket.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	if dropped {
		observability.ForgetLane(lane)
	}
}

func (q *Queue) warnIfWaiting(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.ticket.done:
		return
	case <-q.ctx.Done():
		return
	}

	q.mu.Lock()
	queuePos := -1
	if ls, ok := q.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
	}
	q.mu.Unlock()

	if queuePos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	q.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.ticket.id).
		Dur("wait", wait).
		Int("queue_pos", queuePos).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, queuePos)
	}
}

// QueueSize returns the number of queued tasks for a lane.
func (q *Queue) QueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ls, ok := q.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// RunningCount returns the number of executing tasks for a lane.
func (q *Queue) RunningCount(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ls, ok := q.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// Stats returns a snapshot of every lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for lane, ls := range q.lanes {
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
	}
	return stats
}

// ClearLane drops every queued task of a lane. Running tasks are unaffected.
func (q *Queue) ClearLane(lane string) int {
	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	dropped := ls.queue
	ls.queue = nil
	if !ls.static && ls.running == 0 {
		delete(q.lanes, lane)
	}
	q.mu.Unlock()

	for _, record := range dropped {
		record.stopDrop()
		record.ticket.finish(ErrLaneCleared)
	}

	q.logger.Info().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// SetConcurrency updates the concurrency limit of a lane and marks it static.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.static = true
	q.pumpLocked(lane, ls)
	q.mu.Unlock()

	q.logger.Info().
		Str("lane", lane).
		Int("old_max", oldMax).
		Int("new_max", concurrency).
		Msg("Lane concurrency updated")
}

// WaitForActive waits until no task is running or queued, or timeout passes.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		q.mu.Lock()
		for _, ls := range q.lanes {
			if ls.running > 0 || len(ls.queue) > 0 {
				busy = true
				break
			}
		}
		q.mu.Unlock()

		if !busy {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var dropped []*taskRecord
	for _, ls := range q.lanes {
		dropped = append(dropped, ls.queue...)
		ls.queue = nil
	}
	q.mu.Unlock()

	for _, record := range dropped {
		record.stopDrop()
		record.ticket.finish(ErrClosed)
	}
	q.cancel()
	q.wg.Wait()
	return nil
}
