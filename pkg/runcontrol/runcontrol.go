// Package runcontrol carries external control signals into a running
// inference loop. The loop never owns control state: a caller-provided Port
// supplies the current directive, and the Gate translates it into
// continue/pause/cancel/steer behavior at the loop's poll points.
package runcontrol

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
)

// ErrCancelled terminates a run when a cancel directive is observed.
// Cancellation is cooperative: it fires only at poll points, never mid-call.
var ErrCancelled = errors.New("run cancelled by control directive")

// DirectiveKind is the discriminant of a Directive.
type DirectiveKind string

const (
	DirectiveContinue DirectiveKind = "continue"
	DirectivePause    DirectiveKind = "pause"
	DirectiveCancel   DirectiveKind = "cancel"
	DirectiveSteer    DirectiveKind = "steer"
)

// Directive is one externally supplied control decision.
type Directive struct {
	Kind DirectiveKind
}

// SteeringMessage is one queued user interjection awaiting injection.
type SteeringMessage struct {
	Text       string
	SenderName string
}

// Port is the run-control collaborator. Poll returns the current directive;
// DrainSteering atomically removes and returns all queued steering messages.
type Port interface {
	Poll(ctx context.Context) Directive
	DrainSteering() []SteeringMessage
}

// LifecycleObserver receives edge-triggered pause/resume/cancel
// notifications. All methods are optional side channels; errors from the
// observer never alter control flow.
type LifecycleObserver interface {
	OnPaused(ctx context.Context)
	OnResumed(ctx context.Context)
	OnCancelled(ctx context.Context)
}

// Signal is the outcome of one gate poll.
type Signal int

const (
	// SignalNone means proceed with the current step.
	SignalNone Signal = iota
	// SignalSteer means queued steering messages must be drained and
	// injected before proceeding.
	SignalSteer
)

// Gate is the cooperative poll point. A nil-port gate is a no-op.
type Gate struct {
	port         Port
	observer     LifecycleObserver
	pollInterval time.Duration
}

const defaultPollInterval = 500 * time.Millisecond

// NewGate creates a gate over the given port. Port and observer may be nil.
func NewGate(port Port, observer LifecycleObserver, pollInterval time.Duration) *Gate {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Gate{port: port, observer: observer, pollInterval: pollInterval}
}

// Poll checks the current directive. It returns ErrCancelled on cancel,
// SignalSteer when steering messages await injection, and blocks through a
// pause by sleeping and re-polling until the directive changes. Pause and
// resume callbacks fire once per edge, not per poll.
func (g *Gate) Poll(ctx context.Context) (Signal, error) {
	if g == nil || g.port == nil {
		return SignalNone, nil
	}

	var pausedAt time.Time
	for {
		if err := ctx.Err(); err != nil {
			return SignalNone, err
		}

		d := g.port.Poll(ctx)
		switch d.Kind {
		case DirectiveCancel:
			if g.observer != nil {
				g.observer.OnCancelled(ctx)
			}
			return SignalNone, ErrCancelled

		case DirectiveSteer:
			if !pausedAt.IsZero() {
				g.resume(ctx, pausedAt)
			}
			return SignalSteer, nil

		case DirectivePause:
			if pausedAt.IsZero() {
				pausedAt = time.Now()
				logger := tracing.LoggerFromContext(ctx, log.Logger)
				logger.Info().Msg("run paused by control directive")
				if g.observer != nil {
					g.observer.OnPaused(ctx)
				}
			}
			select {
			case <-ctx.Done():
				return SignalNone, ctx.Err()
			case <-time.After(g.pollInterval):
			}

		default:
			if !pausedAt.IsZero() {
				g.resume(ctx, pausedAt)
			}
			return SignalNone, nil
		}
	}
}

func (g *Gate) resume(ctx context.Context, pausedAt time.Time) {
	observability.RecordPause(time.Since(pausedAt))
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("run resumed")
	if g.observer != nil {
		g.observer.OnResumed(ctx)
	}
}

// DrainSteering atomically consumes all queued steering messages.
func (g *Gate) DrainSteering() []SteeringMessage {
	if g == nil || g.port == nil {
		return nil
	}
	return g.port.DrainSteering()
}
