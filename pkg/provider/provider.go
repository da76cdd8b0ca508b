// Package provider adapts chat-completion providers to the minimal contract
// the run loop depends on: one call in, text plus tool calls plus usage out.
package provider

import (
	"context"
	"fmt"

	"github.com/droverhq/drover/pkg/transcript"
)

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is one chat-completion request.
type Request struct {
	Model       string
	Messages    []transcript.Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Usage is the token/cost accounting for one successful call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64 // provider-reported, 0 when the provider does not report cost
}

// Response is one chat-completion response.
type Response struct {
	Text         string
	ToolCalls    []transcript.ToolCall
	FinishReason string
	Usage        Usage
}

// ChatProvider is the model-provider collaborator.
type ChatProvider interface {
	Call(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Config selects and authenticates a provider.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// New creates a provider by name.
func New(name string, cfg Config) (ChatProvider, error) {
	switch name {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic api key is required")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai api key is required")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
