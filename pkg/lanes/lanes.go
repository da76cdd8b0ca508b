// Package lanes serializes run execution per session key. A lane runs its
// tasks one at a time in submission order, because a session's sandbox is
// exclusively owned by the run holding it; separate lanes proceed
// independently. The run service relies on this for the rule that one
// session never executes two jobs at once.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
)

// ErrReset is returned for tasks still queued when their lane is reset.
var ErrReset = errors.New("task rejected: lane was reset")

// Task is one unit of work executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

// Options tunes a single enqueue.
type Options struct {
	// WarnAfter logs and invokes OnWait when the task is still queued
	// after this long. Zero disables the check.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type outcome struct {
	value interface{}
	err   error
}

type pending struct {
	id    string
	run   Task
	ctx   context.Context
	gen   int
	since time.Time
	opts  Options
	done  chan outcome
}

type lane struct {
	mu      sync.Mutex
	gen     int
	queue   []*pending
	running bool
}

// Queue dispatches tasks onto serial lanes, created on first use. It is an
// injected value, not process-global state.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    int
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *Queue) laneFor(name string) (*lane, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.lanes[name]
	if !ok {
		l = &lane{}
		q.lanes[name] = l
	}
	q.seq++
	return l, fmt.Sprintf("%s-%d", name, q.seq)
}

// Enqueue schedules a task on a lane and blocks until it completes,
// returning its result.
func (q *Queue) Enqueue(ctx context.Context, name string, task Task, opts *Options) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "drover/lanes", "lanes.enqueue",
		attribute.String("lane", name),
	)
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, name)
	}

	l, id := q.laneFor(name)

	p := &pending{
		id:    id,
		run:   task,
		ctx:   ctx,
		since: time.Now(),
		done:  make(chan outcome, 1),
	}
	if opts != nil {
		p.opts = *opts
	}

	l.mu.Lock()
	p.gen = l.gen
	l.queue = append(l.queue, p)
	depth := len(l.queue)
	l.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", name).Logger()
	logger.Debug().Str("task_id", id).Int("queued", depth).Msg("task enqueued")
	observability.SetLaneQueueSize(name, depth)

	if p.opts.WarnAfter > 0 {
		go q.warnIfWaiting(l, name, p)
	}

	q.drain(name, l)

	out := <-p.done
	tracing.FinishSpan(span, out.err)
	return out.value, out.err
}

// drain starts the next queued task when the lane is idle. Tasks enqueued
// before a reset carry a stale generation and are rejected here.
func (q *Queue) drain(name string, l *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.running && len(l.queue) > 0 {
		p := l.queue[0]
		l.queue = l.queue[1:]

		if p.gen != l.gen {
			p.done <- outcome{err: ErrReset}
			close(p.done)
			observability.RecordLaneTask(name, "rejected")
			continue
		}

		l.running = true
		q.wg.Add(1)
		go q.runTask(name, l, p)
	}
}

func (q *Queue) runTask(name string, l *lane, p *pending) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(p.ctx, "drover/lanes", "lanes.run_task",
		attribute.String("lane", name),
		attribute.String("task_id", p.id),
	)

	// Closing the queue cancels the task's context so the run can stop at
	// its next safe point.
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)

	started := time.Now()
	value, err := p.run(runCtx)
	elapsed := time.Since(started)

	stop()
	cancel()
	tracing.FinishSpan(span, err)

	l.mu.Lock()
	l.running = false
	depth := len(l.queue)
	l.mu.Unlock()

	p.done <- outcome{value: value, err: err}
	close(p.done)

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", name).Logger()
	if err != nil {
		logger.Error().Str("task_id", p.id).Dur("duration", elapsed).Err(err).Msg("task failed")
		observability.RecordLaneTask(name, "failed")
	} else {
		logger.Debug().Str("task_id", p.id).Dur("duration", elapsed).Msg("task completed")
		observability.RecordLaneTask(name, "completed")
	}
	observability.SetLaneQueueSize(name, depth)

	q.drain(name, l)
}

func (q *Queue) warnIfWaiting(l *lane, name string, p *pending) {
	timer := time.NewTimer(p.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
		return
	}

	l.mu.Lock()
	pos := -1
	for i, r := range l.queue {
		if r == p {
			pos = i
			break
		}
	}
	l.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(p.since)
	log.Warn().
		Str("lane", name).
		Str("task_id", p.id).
		Dur("wait", wait).
		Int("queue_pos", pos).
		Msg("task waiting longer than expected")

	if p.opts.OnWait != nil {
		p.opts.OnWait(wait, pos)
	}
}

// QueueSize returns the number of queued tasks for a lane.
func (q *Queue) QueueSize(name string) int {
	q.mu.Lock()
	l, ok := q.lanes[name]
	q.mu.Unlock()
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Running reports whether a lane is currently executing a task.
func (q *Queue) Running(name string) bool {
	q.mu.Lock()
	l, ok := q.lanes[name]
	q.mu.Unlock()
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Reset rejects every queued task on every lane with ErrReset. Running
// tasks finish normally.
func (q *Queue) Reset() int {
	q.mu.Lock()
	all := make(map[string]*lane, len(q.lanes))
	for name, l := range q.lanes {
		all[name] = l
	}
	q.mu.Unlock()

	total := 0
	for name, l := range all {
		l.mu.Lock()
		l.gen++
		for _, p := range l.queue {
			p.done <- outcome{err: ErrReset}
			close(p.done)
			observability.RecordLaneTask(name, "rejected")
		}
		total += len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		observability.SetLaneQueueSize(name, 0)
	}

	if total > 0 {
		log.Info().Int("rejected", total).Msg("lanes reset")
	}
	return total
}

// Close cancels the run contexts of active tasks and waits for them.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
