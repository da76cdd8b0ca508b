package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/transcript"
)

// Synthetic tool results for calls that never reach the executor.
const (
	skippedForSteerResult  = "[Tool skipped — new message arrived]"
	skippedForCancelResult = "[Tool skipped — run cancelled]"
	sessionLostResult      = "session lost, please retry"
)

const (
	sessionRetryLimit         = 2
	repeatedErrorLogThreshold = 4
)

// appendFunc persists a message and adds it to the working prompt.
type appendFunc func(ctx context.Context, msg transcript.Message) error

// ToolBatchStage executes one assistant message's tool calls strictly
// sequentially, applying meta side effects and keeping the one-result-per-
// call invariant even when the batch is interrupted.
type ToolBatchStage struct {
	rc *RunContext

	session    sandbox.Session
	sessionKey sandbox.Key
	cwd        string
	dirStale   bool

	recoveryNoticed bool
	pendingNotes    []string
	repeatedErrors  map[string]int
}

func newToolBatchStage(rc *RunContext) *ToolBatchStage {
	return &ToolBatchStage{
		rc: rc,
		sessionKey: sandbox.Key{
			SessionKey:  rc.Job.SessionKey,
			AgentID:     rc.Job.AgentID,
			SandboxName: rc.SandboxName,
		},
		cwd:            rc.WorkDir,
		repeatedErrors: make(map[string]int),
	}
}

// DrainNotes returns and clears system notes queued for the next turn.
func (s *ToolBatchStage) DrainNotes() []string {
	notes := s.pendingNotes
	s.pendingNotes = nil
	return notes
}

// Execute runs the batch in emission order. It returns steered=true when a
// steering signal interrupted the batch; remaining function-type calls have
// already received synthetic results. A non-nil error is a cancellation.
func (s *ToolBatchStage) Execute(ctx context.Context, calls []transcript.ToolCall, spanID string, emit appendFunc) (steered bool, err error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	cwdAtStart := s.cwd

	for i, call := range calls {
		signal, gateErr := s.rc.Gate.Poll(ctx)
		if gateErr != nil {
			// Cancellation still answers the remaining calls so the
			// transcript keeps one result per tool_call_id.
			s.skipRemaining(ctx, calls[i:], skippedForCancelResult, emit)
			return false, gateErr
		}
		if signal == runcontrol.SignalSteer {
			s.skipRemaining(ctx, calls[i:], skippedForSteerResult, emit)
			return true, nil
		}

		if !call.IsFunction() {
			continue
		}

		result := s.executeOne(ctx, call)
		content := s.finishResult(ctx, call, result)
		if appendErr := emit(ctx, transcript.ToolMessage(call.ID, content)); appendErr != nil {
			return false, appendErr
		}

		s.trackRepeatedError(logger, call.Name, result)
	}

	if s.cwd != cwdAtStart || s.dirStale {
		s.queueDirectoryNote(ctx)
		s.dirStale = false
	}
	return false, nil
}

// executeOne runs a single call including the pre-exec hook and the
// session-error retry path.
func (s *ToolBatchStage) executeOne(ctx context.Context, call transcript.ToolCall) sandbox.ToolCallResult {
	input := parseArguments(call.Arguments)

	if s.rc.Hooks != nil {
		hr := s.rc.Hooks.Trigger(ctx, hooks.EventToolPreExec, map[string]interface{}{
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"input":        input,
		})
		if hr.Blocked {
			reason := hr.Reason
			if reason == "" {
				reason = "blocked by policy hook"
			}
			return sandbox.Failure(reason)
		}
		if rewritten, ok := hr.Data["input"].(map[string]interface{}); ok {
			input = rewritten
		}
	}

	result := s.invoke(ctx, call.Name, input)
	result = s.applyMeta(ctx, call.Name, input, result)
	return result
}

func (s *ToolBatchStage) invoke(ctx context.Context, name string, input map[string]interface{}) sandbox.ToolCallResult {
	ctx, span := tracing.StartToolSpan(ctx, name)
	defer span.End()

	start := time.Now()
	result := s.rc.Executor.ExecuteTool(ctx, name, input, &sandbox.ExecContext{
		Session: s.acquireSession(),
		Cwd:     s.cwd,
		Key:     s.sessionKey,
	})
	observability.RecordToolExecution(name, time.Since(start), result.Success)
	s.rc.publish("tool.executed", map[string]interface{}{
		"tool":    name,
		"success": result.Success,
	})
	return result
}

// applyMeta consumes the result's side channels in priority order:
// cwd, sandboxSwitch, sessionError, sessionInvalidated.
func (s *ToolBatchStage) applyMeta(ctx context.Context, name string, input map[string]interface{}, result sandbox.ToolCallResult) sandbox.ToolCallResult {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if result.Meta.Cwd != "" {
		s.cwd = result.Meta.Cwd
	}

	if sw := result.Meta.SandboxSwitch; sw != nil {
		s.dropSession(ctx)
		s.sessionKey.SandboxName = sw.SandboxName
		s.sessionKey.SpriteName = sw.SpriteName
		s.cwd = s.rc.WorkDir
		s.dirStale = true
		logger.Info().
			Str("sandbox", sw.SandboxName).
			Str("sprite", sw.SpriteName).
			Msg("switched sandbox")
	}

	if result.Meta.SessionError {
		result = s.retrySessionError(ctx, name, input, result)
	}

	if result.Meta.SessionInvalidated {
		s.dropSession(ctx)
		if !s.recoveryNoticed {
			s.recoveryNoticed = true
			s.pendingNotes = append(s.pendingNotes,
				"The remote session was reset after a timeout. A fresh session has been started; re-run any commands whose state you depended on.")
		}
	}

	return result
}

// retrySessionError recreates the session and re-executes the same call, at
// most sessionRetryLimit times. After exhaustion the handle is discarded
// and the model sees a generic session-lost error instead of transport
// detail.
func (s *ToolBatchStage) retrySessionError(ctx context.Context, name string, input map[string]interface{}, result sandbox.ToolCallResult) sandbox.ToolCallResult {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	for attempt := 1; attempt <= sessionRetryLimit; attempt++ {
		observability.RecordSessionRetry()
		logger.Warn().Int("attempt", attempt).Str("tool", name).Msg("session error, recreating session")

		if s.session != nil {
			_ = s.session.Close(ctx)
			if err := s.session.Recreate(ctx); err != nil {
				logger.Warn().Err(err).Msg("session recreate failed")
			}
		}

		result = s.invoke(ctx, name, input)
		if !result.Meta.SessionError {
			return result
		}
	}

	s.dropSession(ctx)
	return sandbox.Failure(sessionLostResult)
}

// finishResult runs the post-exec hook, persists external cost, and
// truncates output to the configured budget.
func (s *ToolBatchStage) finishResult(ctx context.Context, call transcript.ToolCall, result sandbox.ToolCallResult) string {
	content := result.Content()

	if s.rc.Hooks != nil {
		hr := s.rc.Hooks.Trigger(ctx, hooks.EventToolPostExec, map[string]interface{}{
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"success":      result.Success,
			"output":       content,
		})
		if rewritten, ok := hr.Data["output"].(string); ok {
			content = rewritten
		}
	}

	if result.Meta.ExternalAPICost > 0 {
		cost := transcript.ToolCost{
			JobID:      s.rc.Job.ID,
			ToolCallID: call.ID,
			Amount:     result.Meta.ExternalAPICost,
			Detail:     call.Name,
		}
		if err := s.rc.Store.SaveToolCost(ctx, cost); err != nil {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Error().Err(err).Msg("failed to save tool cost")
		}
	}

	return truncate(content, s.rc.ToolOutputLimit)
}

// skipRemaining answers every remaining function-type call with a synthetic
// result. Mandatory: every tool_call_id must be answered.
func (s *ToolBatchStage) skipRemaining(ctx context.Context, remaining []transcript.ToolCall, content string, emit appendFunc) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	for _, call := range remaining {
		if !call.IsFunction() {
			continue
		}
		if err := emit(ctx, transcript.ToolMessage(call.ID, content)); err != nil {
			logger.Error().Err(err).Msg("failed to append synthetic tool result")
		}
	}
}

func (s *ToolBatchStage) acquireSession() sandbox.Session {
	if s.session == nil && s.rc.Sessions != nil {
		s.session = s.rc.Sessions.Acquire(s.sessionKey)
	}
	return s.session
}

func (s *ToolBatchStage) dropSession(ctx context.Context) {
	if s.rc.Sessions != nil {
		s.rc.Sessions.Drop(ctx, s.sessionKey)
	}
	s.session = nil
}

// trackRepeatedError counts (tool, normalized error) repetitions. It is
// diagnostic only and never alters control flow; the turn or cost budget is
// what eventually stops a stuck run.
func (s *ToolBatchStage) trackRepeatedError(logger zerolog.Logger, tool string, result sandbox.ToolCallResult) {
	if result.Success {
		return
	}
	key := tool + "|" + normalizeErrorText(result.Error)
	s.repeatedErrors[key]++
	if s.repeatedErrors[key] == repeatedErrorLogThreshold {
		logger.Warn().
			Str("tool", tool).
			Int("count", repeatedErrorLogThreshold).
			Str("error", result.Error).
			Msg("tool failing repeatedly with the same error")
	}
}

func (s *ToolBatchStage) queueDirectoryNote(ctx context.Context) {
	session := s.acquireSession()
	if session == nil {
		return
	}
	res, err := session.Exec(ctx, "ls -1A", s.cwd)
	if err != nil || res.ExitCode != 0 {
		return
	}
	entries := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	sort.Strings(entries)
	s.pendingNotes = append(s.pendingNotes, fmt.Sprintf(
		"Working directory is now %s. Contents:\n%s", s.cwd, strings.Join(entries, "\n")))
}

// parseArguments decodes a tool call's raw JSON arguments. A parse failure
// yields an empty object rather than failing the call.
func parseArguments(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func truncate(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	// Back up to a rune boundary so a multi-byte character is never split.
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + fmt.Sprintf("\n[output truncated at %d characters]", limit)
}

// normalizeErrorText collapses an error message for repetition counting.
func normalizeErrorText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
