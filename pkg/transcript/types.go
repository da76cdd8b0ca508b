package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a content part kind inside a user message.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one piece of a multi-part user message.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"media_type,omitempty"`
	Data      string   `json:"data,omitempty"` // base64 image payload
}

// ToolCall is one tool invocation requested by an assistant message.
// Arguments stays a raw JSON string until the tool batch parses it.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "function"
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// IsFunction reports whether this call must be answered by a tool message.
func (tc ToolCall) IsFunction() bool {
	return tc.Type == "" || tc.Type == "function"
}

// Message is the closed payload union for a conversation message. The Role
// tag decides which fields are meaningful; it is serialized exactly once at
// the persistence boundary.
type Message struct {
	Role       Role          `json:"role"`
	Text       string        `json:"text,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`      // user only
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"` // assistant only
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Content    string        `json:"content,omitempty"` // tool only
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// UserMessageWithParts builds a multi-part user message.
func UserMessageWithParts(text string, parts []ContentPart) Message {
	return Message{Role: RoleUser, Text: text, Parts: parts}
}

// AssistantMessage builds an assistant message. Whitespace-only text is
// treated as absent.
func AssistantMessage(text string, toolCalls []ToolCall) Message {
	if strings.TrimSpace(text) == "" {
		text = ""
	}
	return Message{Role: RoleAssistant, Text: text, ToolCalls: toolCalls}
}

// ToolMessage builds a tool result message answering toolCallID.
func ToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: content}
}

// HasImageParts reports whether the message carries image content.
func (m Message) HasImageParts() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// StripImages returns a copy of the message with image parts removed.
func (m Message) StripImages() Message {
	if !m.HasImageParts() {
		return m
	}
	out := m
	out.Parts = nil
	for _, p := range m.Parts {
		if p.Type != PartImage {
			out.Parts = append(out.Parts, p)
		}
	}
	return out
}

// Validate checks the payload against its role tag.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem:
		if m.Text == "" {
			return fmt.Errorf("system message requires text")
		}
	case RoleUser:
		if m.Text == "" && len(m.Parts) == 0 {
			return fmt.Errorf("user message requires text or parts")
		}
	case RoleAssistant:
		if m.Text == "" && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant message requires text or tool calls")
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires tool_call_id")
		}
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

// EncodePayload serializes a message payload for storage.
func EncodePayload(m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload deserializes a stored message payload.
func DecodePayload(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message payload: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
	JobPaused    JobStatus = "PAUSED"
	JobAbandoned JobStatus = "ABANDONED"
)

// Terminal reports whether a status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobAbandoned:
		return true
	}
	return false
}

// Job is one execution attempt of an agent against a work item.
type Job struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	SessionKey    string     `json:"session_key"`
	Status        JobStatus  `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ErrorText     string     `json:"error_text,omitempty"`
	FinalResponse string     `json:"final_response,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StoredMessage is a persisted conversation message with its ordering seq.
type StoredMessage struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Span is a hierarchical trace record. Observability only, never control flow.
type Span struct {
	ID           string                 `json:"id"`
	TraceID      string                 `json:"trace_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Name         string                 `json:"name"`
	Kind         string                 `json:"kind"` // job, turn, model_call, tool_batch, tool_exec, session_retry
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      *time.Time             `json:"ended_at,omitempty"`
	Status       string                 `json:"status,omitempty"` // ok, error
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// AttemptKind tags one model-call attempt.
type AttemptKind string

const (
	AttemptPrimary              AttemptKind = "primary"
	AttemptNoToolsFallback      AttemptKind = "no_tools_fallback"
	AttemptImageFallback        AttemptKind = "image_fallback"
	AttemptImageNoToolsFallback AttemptKind = "image_no_tools_fallback"
	AttemptTriage               AttemptKind = "triage"
	AttemptPostProcess          AttemptKind = "post_process"
	AttemptLastLook             AttemptKind = "last_look"
)

// Receipt is the usage/cost record for one model-call attempt. Persisted
// regardless of the attempt's success.
type Receipt struct {
	ID           string      `json:"id"`
	JobID        string      `json:"job_id"`
	SpanID       string      `json:"span_id,omitempty"`
	AttemptKind  AttemptKind `json:"attempt_kind"`
	AttemptIndex int         `json:"attempt_index"`
	Model        string      `json:"model"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	Cost         float64     `json:"cost,omitempty"` // provider-reported, 0 when unknown
	Success      bool        `json:"success"`
	ErrorText    string      `json:"error_text,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ToolCost records an external-API cost reported by a tool execution.
type ToolCost struct {
	JobID      string    `json:"job_id"`
	ToolCallID string    `json:"tool_call_id"`
	Amount     float64   `json:"amount"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LimitStatus is the verdict of a cost-limit check for an agent.
type LimitStatus struct {
	Exceeded bool    `json:"exceeded"`
	Warned   bool    `json:"warned"`
	Spent    float64 `json:"spent"`
	Limit    float64 `json:"limit"`
	Details  string  `json:"details,omitempty"`
}
