// Package events is an in-process pub/sub for job progress. The bus is an
// injected, explicitly lifecycled value: each job gets a bounded ring buffer
// replayed to late subscribers, and the buffer is cleared when the job's
// consumer is done with it.
package events

import (
	"sync"
	"time"
)

// Event types published by the run pipeline.
const (
	TypeJobStarted   = "job.started"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
	TypeTurnStarted  = "turn.started"
	TypeModelAttempt = "model.attempt"
	TypeToolExecuted = "tool.executed"
	TypeRunPaused    = "run.paused"
	TypeRunResumed   = "run.resumed"
	TypeRunSteered   = "run.steered"
)

// Event is one progress notification for a job.
type Event struct {
	JobID string                 `json:"job_id"`
	Type  string                 `json:"type"`
	Data  map[string]interface{} `json:"data,omitempty"`
	At    time.Time              `json:"at"`
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus is a per-job bounded ring buffer with live fan-out.
type Bus struct {
	mu       sync.Mutex
	capacity int
	nextSub  int
	buffers  map[string][]Event
	subs     map[string][]subscriber
	closed   bool
}

const defaultCapacity = 256

// NewBus creates a bus keeping up to capacity buffered events per job.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		capacity: capacity,
		buffers:  make(map[string][]Event),
		subs:     make(map[string][]subscriber),
	}
}

// Publish records an event and fans it out to live subscribers. Slow
// subscribers are skipped rather than blocking the publisher; the ring
// buffer is their catch-up path.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	buf := append(b.buffers[ev.JobID], ev)
	if len(buf) > b.capacity {
		buf = buf[len(buf)-b.capacity:]
	}
	b.buffers[ev.JobID] = buf

	for _, s := range b.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel delivering the job's buffered events followed
// by live ones, plus a cancel function. The channel is closed on cancel,
// Clear, or bus Close.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.capacity+16)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	for _, ev := range b.buffers[jobID] {
		ch <- ev
	}

	b.nextSub++
	sub := subscriber{id: b.nextSub, ch: ch}
	b.subs[jobID] = append(b.subs[jobID], sub)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeSub(jobID, sub.id)
	}
	return ch, cancel
}

// Snapshot returns a copy of the job's buffered events.
func (b *Bus) Snapshot(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.buffers[jobID]...)
}

// Clear drops the job's buffer and closes its subscribers. Called when the
// job reaches a terminal state and its consumers have been notified.
func (b *Bus) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.buffers, jobID)
	for _, s := range b.subs[jobID] {
		close(s.ch)
	}
	delete(b.subs, jobID)
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for jobID, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, jobID)
	}
	b.buffers = make(map[string][]Event)
}

func (b *Bus) removeSub(jobID string, id int) {
	subs := b.subs[jobID]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
