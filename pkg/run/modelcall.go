package run

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/transcript"
)

// ModelCallStage performs one model call with the three-tier capability
// fallback. Tool disablement is one-way: once a provider rejects tool use,
// tools stay off for the rest of the run.
type ModelCallStage struct {
	rc           *RunContext
	toolsEnabled bool
	attemptIndex int
}

func newModelCallStage(rc *RunContext) *ModelCallStage {
	return &ModelCallStage{rc: rc, toolsEnabled: len(rc.Tools) > 0}
}

// ToolsEnabled reports whether tools are still offered to the model.
func (s *ModelCallStage) ToolsEnabled() bool {
	return s.toolsEnabled
}

// Call runs the fallback chain against the current message list. Every
// attempt, successful or not, is persisted as a receipt. An error return
// means the whole chain failed and the run is fatal.
func (s *ModelCallStage) Call(ctx context.Context, messages []transcript.Message, spanID string) (*provider.Response, error) {
	tools := s.offeredTools()

	resp, err := s.attempt(ctx, messages, tools, transcript.AttemptPrimary, spanID)
	if err == nil {
		return resp, nil
	}

	if s.toolsEnabled && s.rc.ToolUseRejected(err) {
		s.disableTools(ctx, "tool_use_rejected")
		resp, err = s.attempt(ctx, messages, nil, transcript.AttemptNoToolsFallback, spanID)
		if err == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("model call failed after disabling tools: %w", err)
	}

	if s.rc.ImageRejected(err) {
		observability.RecordFallback("image_input_rejected")
		stripped := stripImages(messages)

		resp, err = s.attempt(ctx, stripped, tools, transcript.AttemptImageFallback, spanID)
		if err == nil {
			return resp, nil
		}

		if s.toolsEnabled && s.rc.ToolUseRejected(err) {
			s.disableTools(ctx, "tool_use_rejected_after_image_strip")
			resp, err = s.attempt(ctx, stripped, nil, transcript.AttemptImageNoToolsFallback, spanID)
			if err == nil {
				return resp, nil
			}
		}
		return nil, fmt.Errorf("model call failed after stripping images: %w", err)
	}

	return nil, fmt.Errorf("model call failed: %w", err)
}

// CallWithKind performs a single model call outside the fallback chain,
// used for triage, post-processing, and the last-look pass. An empty model
// falls back to the run's primary model.
func (s *ModelCallStage) CallWithKind(ctx context.Context, model string, messages []transcript.Message, tools []provider.ToolDefinition, kind transcript.AttemptKind, spanID string) (*provider.Response, error) {
	if model == "" {
		model = s.rc.Model
	}
	return s.attemptModel(ctx, model, messages, tools, kind, spanID)
}

func (s *ModelCallStage) offeredTools() []provider.ToolDefinition {
	if !s.toolsEnabled {
		return nil
	}
	return s.rc.Tools
}

func (s *ModelCallStage) disableTools(ctx context.Context, reason string) {
	s.toolsEnabled = false
	observability.RecordFallback(reason)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Str("reason", reason).
		Msg("provider rejected tool use, tools disabled for the rest of the run")
}

func (s *ModelCallStage) attempt(ctx context.Context, messages []transcript.Message, tools []provider.ToolDefinition, kind transcript.AttemptKind, spanID string) (*provider.Response, error) {
	return s.attemptModel(ctx, s.rc.Model, messages, tools, kind, spanID)
}

func (s *ModelCallStage) attemptModel(ctx context.Context, model string, messages []transcript.Message, tools []provider.ToolDefinition, kind transcript.AttemptKind, spanID string) (*provider.Response, error) {
	s.attemptIndex++
	index := s.attemptIndex

	if s.rc.Hooks != nil {
		s.rc.Hooks.Trigger(ctx, hooks.EventModelPreCall, map[string]interface{}{
			"model":        model,
			"attempt_kind": string(kind),
			"messages":     len(messages),
			"tools":        len(tools),
		})
	}

	callCtx, span := tracing.StartModelSpan(ctx, model, string(kind))
	start := time.Now()
	resp, err := s.rc.Provider.Call(callCtx, provider.Request{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: s.rc.Temperature,
		MaxTokens:   s.rc.MaxTokens,
	})
	duration := time.Since(start)
	tracing.FinishSpan(span, err)
	observability.RecordModelCall(string(kind), duration, err == nil)

	receipt := transcript.Receipt{
		JobID:        s.rc.Job.ID,
		SpanID:       spanID,
		AttemptKind:  kind,
		AttemptIndex: index,
		Model:        model,
		Success:      err == nil,
	}
	if err != nil {
		receipt.ErrorText = err.Error()
	} else {
		receipt.InputTokens = resp.Usage.InputTokens
		receipt.OutputTokens = resp.Usage.OutputTokens
		receipt.Cost = resp.Usage.Cost
	}
	if saveErr := s.rc.Store.SaveReceipt(ctx, receipt); saveErr != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Error().Err(saveErr).Msg("failed to save attempt receipt")
	}

	s.rc.publish("model.attempt", map[string]interface{}{
		"attempt_kind": string(kind),
		"success":      err == nil,
	})

	if err != nil {
		return nil, err
	}

	if s.rc.Hooks != nil {
		s.rc.Hooks.Trigger(ctx, hooks.EventModelPostCall, map[string]interface{}{
			"model":         model,
			"attempt_kind":  string(kind),
			"finish_reason": resp.FinishReason,
			"tool_calls":    len(resp.ToolCalls),
		})
	}
	return resp, nil
}

func stripImages(messages []transcript.Message) []transcript.Message {
	out := make([]transcript.Message, len(messages))
	for i, m := range messages {
		out[i] = m.StripImages()
	}
	return out
}
