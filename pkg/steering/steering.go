// Package steering decides whether inbound messages should interrupt a run
// in progress or wait for it to finish. The decision is delegated to a small
// classifier model and is always fail-safe: anything that goes wrong means
// "do not interrupt".
package steering

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/transcript"
)

// Decision is the normalized arbiter verdict.
type Decision string

const (
	// DecisionInterruptNow injects the pending messages into the running
	// job immediately.
	DecisionInterruptNow Decision = "interrupt_now"
	// DecisionDoNotInterrupt leaves the messages queued for after the run.
	DecisionDoNotInterrupt Decision = "do_not_interrupt"
	// DecisionIgnore discards the messages entirely.
	DecisionIgnore Decision = "ignore"
)

const failSafeReason = "arbiter unavailable, defaulting to queued delivery"

// PendingMessage is one inbound message awaiting the verdict.
type PendingMessage struct {
	Sender string
	Text   string
}

// Input is everything the arbiter sees about the situation.
type Input struct {
	AgentID    string
	SessionKey string
	Objective  string
	Pending    []PendingMessage
	ActiveWork []string
}

// Verdict is the arbiter output.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Arbiter classifies pending messages with one model call.
type Arbiter struct {
	provider provider.ChatProvider
	model    string
}

// NewArbiter creates an arbiter backed by the given classifier model.
func NewArbiter(p provider.ChatProvider, model string) *Arbiter {
	return &Arbiter{provider: p, model: model}
}

const systemPrompt = `You triage messages arriving while an agent is mid-task.
Reply with strict JSON only: {"decision": "...", "reason": "..."}.
Valid decisions:
- "interrupt_now": the message changes or corrects the current task and must reach the agent immediately.
- "do_not_interrupt": the message can wait until the current task finishes.
- "ignore": the message is noise and should be discarded.
No prose, no markdown, JSON only.`

// Decide makes exactly one classifier call. Any failure mode (no provider,
// transport error, empty or malformed response) yields do_not_interrupt; the
// arbiter never blocks the pipeline and never defaults to interrupting.
func (a *Arbiter) Decide(ctx context.Context, in Input) Verdict {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if a == nil || a.provider == nil {
		return failSafe()
	}

	resp, err := a.provider.Call(ctx, provider.Request{
		Model: a.model,
		Messages: []transcript.Message{
			transcript.SystemMessage(systemPrompt),
			transcript.UserMessage(a.situation(in)),
		},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("steering arbiter call failed, defaulting to do_not_interrupt")
		return failSafe()
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		logger.Warn().Err(err).Str("response", resp.Text).Msg("steering arbiter returned invalid verdict")
		return failSafe()
	}

	observability.RecordSteeringDecision(string(verdict.Decision))
	logger.Debug().Str("decision", string(verdict.Decision)).Str("reason", verdict.Reason).Msg("steering decision")
	return verdict
}

func (a *Arbiter) situation(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nSession: %s\n", in.AgentID, in.SessionKey)
	if in.Objective != "" {
		fmt.Fprintf(&b, "Current task: %s\n", in.Objective)
	}
	if len(in.ActiveWork) > 0 {
		fmt.Fprintf(&b, "Other active work:\n")
		for _, w := range in.ActiveWork {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	b.WriteString("Pending messages:\n")
	for _, m := range in.Pending {
		sender := m.Sender
		if sender == "" {
			sender = "user"
		}
		fmt.Fprintf(&b, "[%s] %s\n", sender, m.Text)
	}
	return b.String()
}

func failSafe() Verdict {
	observability.RecordSteeringDecision(string(DecisionDoNotInterrupt))
	return Verdict{Decision: DecisionDoNotInterrupt, Reason: failSafeReason}
}

// parseVerdict extracts the strict-JSON verdict from model text. Models
// occasionally wrap JSON in fences or prose, so parsing is anchored on the
// outermost object braces.
func parseVerdict(text string) (Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in response")
	}

	var raw struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}

	decision, ok := normalizeDecision(raw.Decision)
	if !ok {
		return Verdict{}, fmt.Errorf("unknown decision %q", raw.Decision)
	}
	return Verdict{Decision: decision, Reason: raw.Reason}, nil
}

func normalizeDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interrupt_now", "interrupt", "steer", "inject_now", "inject":
		return DecisionInterruptNow, true
	case "do_not_interrupt", "queue", "wait", "defer":
		return DecisionDoNotInterrupt, true
	case "ignore", "drop", "skip", "discard":
		return DecisionIgnore, true
	default:
		return "", false
	}
}
