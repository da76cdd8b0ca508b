// Package run drives one agent job end to end: the turn loop, the model
// call fallback chain, sequential tool batches, and the surrounding job
// lifecycle.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/runcontrol"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/transcript"
)

// ErrCostLimitExceeded fails a run when the agent's spend crosses its limit.
var ErrCostLimitExceeded = errors.New("cost limit exceeded")

// ErrPostProcessFailed fails a run whose required final-reply synthesis did
// not produce usable text.
var ErrPostProcessFailed = errors.New("post-process failed")

// Store is the persistence collaborator. *transcript.Store satisfies it.
type Store interface {
	StartJob(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID, finalResponse string) error
	FailJob(ctx context.Context, jobID, errorText string) error
	CancelJob(ctx context.Context, jobID string) error
	MarkPaused(ctx context.Context, jobID string, paused bool) error

	AppendMessage(ctx context.Context, jobID string, msg transcript.Message) (int, error)
	ListMessagesByJob(ctx context.Context, jobID string) ([]transcript.StoredMessage, error)

	SaveReceipt(ctx context.Context, r transcript.Receipt) error
	SaveToolCost(ctx context.Context, tc transcript.ToolCost) error
	CheckLimits(ctx context.Context, agentID string) (transcript.LimitStatus, error)

	StartSpan(ctx context.Context, traceID, name, kind, parentID string, attrs map[string]interface{}) (string, error)
	EndSpan(ctx context.Context, spanID string) error
	FailSpan(ctx context.Context, spanID string) error
}

// Executor is the tool-execution collaborator. *sandbox.Registry satisfies
// it.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, input map[string]interface{}, ec *sandbox.ExecContext) sandbox.ToolCallResult
}

// RunContext carries everything one run needs. It replaces a long
// positional parameter list with a single value object.
type RunContext struct {
	Job     *transcript.Job
	TraceID string

	// Prompt seed: system prompt plus any retry-seed prefix, then the
	// inbound user message. The loop appends from there.
	Seed []transcript.Message

	Provider    provider.ChatProvider
	Model       string
	Temperature float64
	MaxTokens   int

	Tools           []provider.ToolDefinition
	ToolUseRejected provider.ErrorClassifier
	ImageRejected   provider.ErrorClassifier

	Store    Store
	Executor Executor
	Gate     *runcontrol.Gate
	Hooks    *hooks.Manager
	Bus      *events.Bus
	Sessions *sandbox.Manager

	MaxTurns        int
	ToolOutputLimit int
	SandboxName     string
	WorkDir         string

	// Objective is the short description of the work item, used by triage
	// and the steering arbiter.
	Objective string

	// TriageModel, when set, gates the run on a cheap classifier call.
	TriageModel string

	// PostProcessModel, when set, synthesizes the single user-facing final
	// reply from the transcript. With RequireFinalReply the synthesis
	// failing fails the whole job.
	PostProcessModel  string
	RequireFinalReply bool
}

func (rc *RunContext) defaults() {
	if rc.MaxTurns <= 0 {
		rc.MaxTurns = 150
	}
	if rc.ToolOutputLimit <= 0 {
		rc.ToolOutputLimit = 30000
	}
	if rc.SandboxName == "" {
		rc.SandboxName = "default"
	}
	if rc.ToolUseRejected == nil {
		rc.ToolUseRejected = provider.ToolUseRejected
	}
	if rc.ImageRejected == nil {
		rc.ImageRejected = provider.ImageInputRejected
	}
}

func (rc *RunContext) publish(eventType string, data map[string]interface{}) {
	if rc.Bus == nil || rc.Job == nil {
		return
	}
	rc.Bus.Publish(events.Event{JobID: rc.Job.ID, Type: eventType, Data: data, At: time.Now().UTC()})
}

// Result is the outcome of a completed inference loop.
type Result struct {
	FinalText string
	Turns     int
	HitLimit  bool
}
