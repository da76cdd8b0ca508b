package run

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/transcript"
)

const (
	wrapUpTurnThreshold = 20
	lastLookLimit       = 3
)

const (
	wrapUpWarning = "You are approaching the turn limit for this task. Start wrapping up: finish the essential work and produce your final answer."

	costWarning = "This task is approaching its cost limit. Prefer finishing over starting new work."

	turnLimitMessage = "I reached the turn limit for this task before finishing. Here is where things stand; re-run to continue from this point."

	steerNote = "Priority: new messages from the user arrived mid-task and are included below. Address them before continuing."
)

// InferenceLoop is the turn state machine for one run.
type InferenceLoop struct {
	rc    *RunContext
	model *ModelCallStage
	batch *ToolBatchStage

	messages  []transcript.Message
	finalText string
}

// NewInferenceLoop creates a loop over the run context's seed messages.
func NewInferenceLoop(rc *RunContext) *InferenceLoop {
	rc.defaults()
	return &InferenceLoop{
		rc:       rc,
		model:    newModelCallStage(rc),
		batch:    newToolBatchStage(rc),
		messages: append([]transcript.Message(nil), rc.Seed...),
	}
}

// Run executes turns until natural completion or turn exhaustion. The
// returned error is fatal for the run: cancellation, cost-limit excess, or
// a model call failing through the whole fallback chain.
func (l *InferenceLoop) Run(ctx context.Context, jobSpanID string) (*Result, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	turn := 0
	wrapUpWarned := false
	costWarned := false
	naturalStop := false

	for turn < l.rc.MaxTurns {
		signal, err := l.rc.Gate.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if signal == runcontrol.SignalSteer {
			// A steer at the top of the turn restarts the iteration
			// without consuming a turn.
			if err := l.injectSteering(ctx); err != nil {
				return nil, err
			}
			continue
		}

		turn++
		l.rc.publish("turn.started", map[string]interface{}{"turn": turn})

		for _, note := range l.batch.DrainNotes() {
			if err := l.append(ctx, transcript.SystemMessage(note)); err != nil {
				return nil, err
			}
		}

		if remaining := l.rc.MaxTurns - turn; remaining <= wrapUpTurnThreshold && !wrapUpWarned {
			wrapUpWarned = true
			if err := l.append(ctx, transcript.SystemMessage(wrapUpWarning)); err != nil {
				return nil, err
			}
		}

		limits, err := l.rc.Store.CheckLimits(ctx, l.rc.Job.AgentID)
		if err != nil {
			logger.Warn().Err(err).Msg("cost limit check failed")
		} else if limits.Exceeded {
			return nil, fmt.Errorf("%w: %s", ErrCostLimitExceeded, limits.Details)
		} else if limits.Warned && !costWarned {
			costWarned = true
			if err := l.append(ctx, transcript.SystemMessage(costWarning)); err != nil {
				return nil, err
			}
		}

		turnSpan, _ := l.rc.Store.StartSpan(ctx, l.rc.TraceID, fmt.Sprintf("turn %d", turn), "turn", jobSpanID, map[string]interface{}{"turn": turn})

		resp, err := l.model.Call(ctx, l.messages, turnSpan)
		if err != nil {
			_ = l.rc.Store.FailSpan(ctx, turnSpan)
			return nil, err
		}

		text := strings.TrimSpace(resp.Text)
		if text != "" {
			l.finalText = text
		}
		if text != "" || len(resp.ToolCalls) > 0 {
			if err := l.append(ctx, transcript.AssistantMessage(text, resp.ToolCalls)); err != nil {
				_ = l.rc.Store.FailSpan(ctx, turnSpan)
				return nil, err
			}
		}

		if len(resp.ToolCalls) > 0 {
			steered, batchErr := l.batch.Execute(ctx, resp.ToolCalls, turnSpan, l.append)
			if batchErr != nil {
				_ = l.rc.Store.FailSpan(ctx, turnSpan)
				return nil, batchErr
			}
			if steered {
				if err := l.injectSteering(ctx); err != nil {
					_ = l.rc.Store.FailSpan(ctx, turnSpan)
					return nil, err
				}
			}
		}

		_ = l.rc.Store.EndSpan(ctx, turnSpan)

		if resp.FinishReason == provider.FinishStop || len(resp.ToolCalls) == 0 {
			naturalStop = true
			break
		}
	}

	result := &Result{FinalText: l.finalText, Turns: turn}

	if !naturalStop {
		result.HitLimit = true
		logger.Warn().Int("turns", turn).Msg("turn limit reached without natural completion")
		if err := l.append(ctx, transcript.AssistantMessage(turnLimitMessage, nil)); err != nil {
			return nil, err
		}
		result.FinalText = turnLimitMessage
		return result, nil
	}

	if err := l.lastLook(ctx, jobSpanID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// lastLook folds in steering messages that arrived during the final turn:
// up to lastLookLimit tools-disabled model calls after natural completion.
func (l *InferenceLoop) lastLook(ctx context.Context, jobSpanID string, result *Result) error {
	for i := 0; i < lastLookLimit; i++ {
		signal, err := l.rc.Gate.Poll(ctx)
		if err != nil {
			return err
		}
		if signal != runcontrol.SignalSteer {
			return nil
		}
		if err := l.injectSteering(ctx); err != nil {
			return err
		}

		resp, err := l.model.CallWithKind(ctx, "", l.messages, nil, transcript.AttemptLastLook, jobSpanID)
		if err != nil {
			// Last look is best-effort; the run already completed.
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().Err(err).Msg("last-look call failed")
			return nil
		}

		text := strings.TrimSpace(resp.Text)
		if text != "" {
			if err := l.append(ctx, transcript.AssistantMessage(text, nil)); err != nil {
				return err
			}
			result.FinalText = text
		}
		if len(resp.ToolCalls) > 0 {
			// Tool use is unsupported in this phase.
			return nil
		}
	}
	return nil
}

// injectSteering drains queued steering messages and appends a priority
// system note plus one synthetic user message carrying them all.
func (l *InferenceLoop) injectSteering(ctx context.Context) error {
	msgs := l.rc.Gate.DrainSteering()
	if len(msgs) == 0 {
		return nil
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = "user"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", sender, m.Text))
	}

	if err := l.append(ctx, transcript.SystemMessage(steerNote)); err != nil {
		return err
	}
	if err := l.append(ctx, transcript.UserMessage(strings.Join(lines, "\n"))); err != nil {
		return err
	}

	l.rc.publish("run.steered", map[string]interface{}{"messages": len(msgs)})
	return nil
}

// append persists a message and adds it to the working prompt.
func (l *InferenceLoop) append(ctx context.Context, msg transcript.Message) error {
	if _, err := l.rc.Store.AppendMessage(ctx, l.rc.Job.ID, msg); err != nil {
		return fmt.Errorf("append %s message: %w", msg.Role, err)
	}
	l.messages = append(l.messages, msg)
	return nil
}

// Messages returns the current working prompt. Exposed for post-processing.
func (l *InferenceLoop) Messages() []transcript.Message {
	return l.messages
}

// Stage returns the loop's model-call stage so the orchestrator can reuse
// its receipt accounting for triage and post-process calls.
func (l *InferenceLoop) Stage() *ModelCallStage {
	return l.model
}
