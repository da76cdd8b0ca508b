package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/transcript"
)

// Explanatory assistant messages for fatal paths. Exactly one of these is
// persisted before the job is marked failed or cancelled, so downstream
// consumers always have something coherent to display. The retry-seed
// builder trims them on resume.
const (
	cancelledMessage    = "This run was cancelled before completion."
	costLimitMessage    = "This run exceeded its cost limit and was stopped. Raise the limit or start a narrower task."
	internalErrMessage  = "I hit an internal error and could not finish this task. Retrying may resume from where I left off."
	postProcessMessage  = "I wasn't able to finish: the final reply could not be synthesized from the work done."
	triageSkippedPrefix = "No agent run needed: "
)

const triagePrompt = `You decide whether an inbound work item needs a full agent run.
Reply with strict JSON only: {"action": "run" | "skip", "reason": "..."}.
"skip" means the item needs no work (acknowledgment, noise, already answered); the reason is shown to the user.`

const postProcessPrompt = `Summarize the outcome of the finished task transcript above as a single, self-contained reply to the user. State what was done and any follow-ups needed. Do not mention internal tooling or intermediate steps unless they matter to the user.`

// Execute runs one job end to end: lifecycle transitions, optional triage,
// the inference loop, and optional post-processing.
func Execute(ctx context.Context, rc *RunContext) (result *Result, err error) {
	rc.defaults()
	ctx, otelSpan := tracing.StartJobSpan(ctx, rc.Job.ID, rc.Job.AgentID)
	defer func() { tracing.FinishSpan(otelSpan, err) }()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("job_id", rc.Job.ID).
		Str("agent_id", rc.Job.AgentID).
		Logger()

	start := time.Now()
	if err := rc.Store.StartJob(ctx, rc.Job.ID); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	rc.publish("job.started", map[string]interface{}{"agent_id": rc.Job.AgentID})

	jobSpan, _ := rc.Store.StartSpan(ctx, rc.TraceID, "job", "job", "", map[string]interface{}{
		"job_id":   rc.Job.ID,
		"agent_id": rc.Job.AgentID,
	})

	// The seed (system prompt, any salvaged prior prefix, the inbound user
	// text) is part of the durable transcript; a later resume rebuilds
	// from the stored rows.
	for _, msg := range rc.Seed {
		if _, err := rc.Store.AppendMessage(ctx, rc.Job.ID, msg); err != nil {
			return nil, failJob(ctx, rc, jobSpan, start, 0, fmt.Errorf("append seed %s message: %w", msg.Role, err))
		}
	}

	loop := NewInferenceLoop(rc)

	if rc.Hooks != nil {
		hr := rc.Hooks.Trigger(ctx, hooks.EventRunPrePrompt, map[string]interface{}{
			"job_id":    rc.Job.ID,
			"objective": rc.Objective,
		})
		if hr.Blocked {
			reason := hr.Reason
			if reason == "" {
				reason = "blocked by pre-prompt hook"
			}
			return nil, failJob(ctx, rc, jobSpan, start, 0, fmt.Errorf("run blocked: %s", reason))
		}
	}

	if rc.TriageModel != "" {
		skip, reason := triage(ctx, rc, loop.Stage(), jobSpan)
		if skip {
			final := triageSkippedPrefix + reason
			if err := appendAssistant(ctx, rc, final); err != nil {
				return nil, failJob(ctx, rc, jobSpan, start, 0, err)
			}
			if err := rc.Store.CompleteJob(ctx, rc.Job.ID, final); err != nil {
				return nil, fmt.Errorf("complete job: %w", err)
			}
			finishJob(rc, jobSpan, start, "COMPLETED", 0)
			return &Result{FinalText: final}, nil
		}
	}

	result, err = loop.Run(ctx, jobSpan)
	if err != nil {
		return nil, failJob(ctx, rc, jobSpan, start, 0, err)
	}

	final := result.FinalText
	if rc.PostProcessModel != "" {
		synthesized, ppErr := postProcess(ctx, rc, loop, jobSpan)
		switch {
		case ppErr == nil:
			final = synthesized
			if err := appendAssistant(ctx, rc, final); err != nil {
				return nil, failJob(ctx, rc, jobSpan, start, result.Turns, err)
			}
		case rc.RequireFinalReply:
			// The raw transcript is unsuitable for direct display, so a
			// required synthesis failing fails the whole job.
			return nil, failJob(ctx, rc, jobSpan, start, result.Turns, fmt.Errorf("%w: %v", ErrPostProcessFailed, ppErr))
		default:
			logger.Warn().Err(ppErr).Msg("post-processing failed, using raw final text")
		}
	}

	if err := rc.Store.CompleteJob(ctx, rc.Job.ID, final); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	result.FinalText = final
	finishJob(rc, jobSpan, start, "COMPLETED", result.Turns)
	logger.Info().Int("turns", result.Turns).Bool("hit_limit", result.HitLimit).Msg("job completed")
	return result, nil
}

// failJob persists exactly one explanatory assistant message, moves the job
// to its terminal state, and returns the original error.
func failJob(ctx context.Context, rc *RunContext, jobSpan string, start time.Time, turns int, err error) error {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("job_id", rc.Job.ID).Logger()

	var explanation string
	var status string
	switch {
	case errors.Is(err, runcontrol.ErrCancelled):
		explanation = cancelledMessage
		status = "CANCELLED"
	case errors.Is(err, ErrCostLimitExceeded):
		explanation = costLimitMessage
		status = "FAILED"
	case errors.Is(err, ErrPostProcessFailed):
		explanation = postProcessMessage
		status = "FAILED"
	default:
		explanation = internalErrMessage
		status = "FAILED"
	}

	if appendErr := appendAssistant(ctx, rc, explanation); appendErr != nil {
		logger.Error().Err(appendErr).Msg("failed to append explanatory message")
	}

	if status == "CANCELLED" {
		if cancelErr := rc.Store.CancelJob(ctx, rc.Job.ID); cancelErr != nil {
			logger.Error().Err(cancelErr).Msg("failed to mark job cancelled")
		}
		rc.publish("job.cancelled", nil)
	} else {
		if failErr := rc.Store.FailJob(ctx, rc.Job.ID, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to mark job failed")
		}
		rc.publish("job.failed", map[string]interface{}{"error": err.Error()})
	}

	_ = rc.Store.FailSpan(ctx, jobSpan)
	observability.RecordJob(status, time.Since(start), turns)
	logger.Error().Err(err).Str("status", status).Msg("job did not complete")
	return err
}

func finishJob(rc *RunContext, jobSpan string, start time.Time, status string, turns int) {
	_ = rc.Store.EndSpan(context.Background(), jobSpan)
	observability.RecordJob(status, time.Since(start), turns)
	rc.publish("job.completed", map[string]interface{}{"turns": turns})
}

func appendAssistant(ctx context.Context, rc *RunContext, text string) error {
	_, err := rc.Store.AppendMessage(ctx, rc.Job.ID, transcript.AssistantMessage(text, nil))
	return err
}

// triage makes one cheap classifier call deciding whether the work item
// needs a run at all. Any failure means "run": triage must never eat work.
func triage(ctx context.Context, rc *RunContext, stage *ModelCallStage, jobSpan string) (skip bool, reason string) {
	messages := []transcript.Message{
		transcript.SystemMessage(triagePrompt),
		transcript.UserMessage(rc.Objective),
	}
	resp, err := stage.CallWithKind(ctx, rc.TriageModel, messages, nil, transcript.AttemptTriage, jobSpan)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("triage call failed, proceeding with run")
		return false, ""
	}

	text := resp.Text
	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx < 0 || endIdx <= startIdx {
		return false, ""
	}

	var verdict struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &verdict); err != nil {
		return false, ""
	}
	if strings.EqualFold(strings.TrimSpace(verdict.Action), "skip") {
		return true, verdict.Reason
	}
	return false, ""
}

// postProcess synthesizes the single user-facing reply from the finished
// transcript.
func postProcess(ctx context.Context, rc *RunContext, loop *InferenceLoop, jobSpan string) (string, error) {
	messages := append(append([]transcript.Message(nil), loop.Messages()...),
		transcript.SystemMessage(postProcessPrompt))

	resp, err := loop.Stage().CallWithKind(ctx, rc.PostProcessModel, messages, nil, transcript.AttemptPostProcess, jobSpan)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("empty post-process response")
	}
	return text, nil
}
