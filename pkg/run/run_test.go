package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/transcript"
)

// fakeStore is an in-memory Store recording everything the run persists.
type fakeStore struct {
	mu sync.Mutex

	messages  []transcript.Message
	receipts  []transcript.Receipt
	toolCosts []transcript.ToolCost

	limits    transcript.LimitStatus
	limitsErr error

	started   bool
	completed bool
	failed    bool
	cancelled bool

	finalResponse string
	errorText     string

	appendErr error
	spanSeq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (s *fakeStore) StartJob(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeStore) CompleteJob(_ context.Context, _ string, finalResponse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.finalResponse = finalResponse
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, _ string, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.errorText = errorText
	return nil
}

func (s *fakeStore) CancelJob(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeStore) MarkPaused(_ context.Context, _ string, _ bool) error { return nil }

func (s *fakeStore) AppendMessage(_ context.Context, _ string, msg transcript.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	s.messages = append(s.messages, msg)
	return len(s.messages), nil
}

func (s *fakeStore) ListMessagesByJob(_ context.Context, jobID string) ([]transcript.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.StoredMessage, 0, len(s.messages))
	for i, m := range s.messages {
		out = append(out, transcript.StoredMessage{JobID: jobID, Seq: i + 1, Message: m})
	}
	return out, nil
}

func (s *fakeStore) SaveReceipt(_ context.Context, r transcript.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *fakeStore) SaveToolCost(_ context.Context, tc transcript.ToolCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCosts = append(s.toolCosts, tc)
	return nil
}

func (s *fakeStore) CheckLimits(_ context.Context, _ string) (transcript.LimitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits, s.limitsErr
}

func (s *fakeStore) StartSpan(_ context.Context, _, _, _, _ string, _ map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spanSeq++
	return fmt.Sprintf("span-%d", s.spanSeq), nil
}

func (s *fakeStore) EndSpan(_ context.Context, _ string) error  { return nil }
func (s *fakeStore) FailSpan(_ context.Context, _ string) error { return nil }

func (s *fakeStore) snapshot() []transcript.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Message(nil), s.messages...)
}

func (s *fakeStore) messagesByRole(role transcript.Role) []transcript.Message {
	var out []transcript.Message
	for _, m := range s.snapshot() {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeStore) receiptKinds() []transcript.AttemptKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.AttemptKind, 0, len(s.receipts))
	for _, r := range s.receipts {
		out = append(out, r.AttemptKind)
	}
	return out
}

// providerStep is one scripted provider reply.
type providerStep struct {
	resp *provider.Response
	err  error
}

// scriptedProvider replays a fixed sequence of responses and records every
// request it sees. Once the script runs out it keeps returning a plain
// stop response.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []providerStep
	requests []provider.Request

	// onCall, when set, fires after each request is recorded with its
	// 1-based index. Used to simulate events landing mid-call.
	onCall func(callIndex int)
}

func (p *scriptedProvider) Call(_ context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.onCall != nil {
		p.onCall(len(p.requests))
	}
	if len(p.steps) == 0 {
		return &provider.Response{Text: "done", FinishReason: provider.FinishStop}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) recorded() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func textStop(text string) providerStep {
	return providerStep{resp: &provider.Response{Text: text, FinishReason: provider.FinishStop}}
}

func toolCallStep(text string, calls ...transcript.ToolCall) providerStep {
	return providerStep{resp: &provider.Response{
		Text:         text,
		ToolCalls:    calls,
		FinishReason: provider.FinishToolCalls,
	}}
}

func failStep(msg string) providerStep {
	return providerStep{err: fmt.Errorf("%s", msg)}
}

func fnCall(id, name, args string) transcript.ToolCall {
	return transcript.ToolCall{ID: id, Type: "function", Name: name, Arguments: args}
}

// fakeExecutor dispatches to per-tool handlers and records invocations.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]func(input map[string]interface{}, ec *sandbox.ExecContext) sandbox.ToolCallResult
	calls    []executorCall
}

type executorCall struct {
	name  string
	input map[string]interface{}
	cwd   string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handlers: make(map[string]func(map[string]interface{}, *sandbox.ExecContext) sandbox.ToolCallResult)}
}

func (e *fakeExecutor) on(name string, h func(map[string]interface{}, *sandbox.ExecContext) sandbox.ToolCallResult) {
	e.handlers[name] = h
}

func (e *fakeExecutor) onOutput(name, output string) {
	e.on(name, func(map[string]interface{}, *sandbox.ExecContext) sandbox.ToolCallResult {
		return sandbox.ToolCallResult{Success: true, Output: output}
	})
}

func (e *fakeExecutor) ExecuteTool(_ context.Context, name string, input map[string]interface{}, ec *sandbox.ExecContext) sandbox.ToolCallResult {
	e.mu.Lock()
	e.calls = append(e.calls, executorCall{name: name, input: input, cwd: ec.Cwd})
	handler := e.handlers[name]
	e.mu.Unlock()
	if handler == nil {
		return sandbox.Failure("unknown tool: " + name)
	}
	return handler(input, ec)
}

func (e *fakeExecutor) callCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func testJob() *transcript.Job {
	now := time.Now().UTC()
	return &transcript.Job{
		ID:         "job-1",
		AgentID:    "agent-1",
		SessionKey: "sess-1",
		Status:     transcript.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func testRunContext(store *fakeStore, prov provider.ChatProvider, exec Executor) *RunContext {
	return &RunContext{
		Job:      testJob(),
		TraceID:  "trace-1",
		Seed:     []transcript.Message{transcript.SystemMessage("You are a test agent."), transcript.UserMessage("do the thing")},
		Provider: prov,
		Model:    "test-model",
		Tools: []provider.ToolDefinition{
			{Name: "exec", Description: "run a command", InputSchema: map[string]interface{}{"type": "object"}},
		},
		Store:     store,
		Executor:  exec,
		Objective: "do the thing",
	}
}
