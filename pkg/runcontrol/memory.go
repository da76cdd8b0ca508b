package runcontrol

import (
	"context"
	"sync"
)

// MemoryPort is an in-process Port backed by a mutex. It is the control
// source used by the service layer, where pause/cancel/steer arrive from
// API handlers on other goroutines.
type MemoryPort struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	steering  []SteeringMessage
}

// NewMemoryPort creates an empty port in the continue state.
func NewMemoryPort() *MemoryPort {
	return &MemoryPort{}
}

// Poll reports the current directive. Cancel wins over everything; queued
// steering messages win over pause so an interjection can resume a paused
// run.
func (p *MemoryPort) Poll(_ context.Context) Directive {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.cancelled:
		return Directive{Kind: DirectiveCancel}
	case len(p.steering) > 0:
		return Directive{Kind: DirectiveSteer}
	case p.paused:
		return Directive{Kind: DirectivePause}
	default:
		return Directive{Kind: DirectiveContinue}
	}
}

// DrainSteering removes and returns all queued steering messages.
func (p *MemoryPort) DrainSteering() []SteeringMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.steering
	p.steering = nil
	return msgs
}

// Pause sets the pause flag. Idempotent.
func (p *MemoryPort) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears the pause flag. Idempotent.
func (p *MemoryPort) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Cancel sets the cancel flag. Cancellation is sticky and cannot be undone.
func (p *MemoryPort) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
}

// Steer queues a steering message for the next poll.
func (p *MemoryPort) Steer(msg SteeringMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steering = append(p.steering, msg)
}
