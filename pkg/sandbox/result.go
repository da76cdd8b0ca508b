// Package sandbox executes tools against a lazily created shell session and
// reports results with the side-channel metadata the run loop consumes.
package sandbox

// SandboxSwitch asks the run to move subsequent tool calls to a different
// sandbox identity.
type SandboxSwitch struct {
	SandboxName string `json:"sandbox_name"`
	SpriteName  string `json:"sprite_name,omitempty"`
}

// Meta carries side-channel signals from a tool execution. The run loop
// consumes these; the model never sees them.
type Meta struct {
	Cwd                string         `json:"cwd,omitempty"`
	SandboxSwitch      *SandboxSwitch `json:"sandbox_switch,omitempty"`
	SessionError       bool           `json:"session_error,omitempty"`
	SessionInvalidated bool           `json:"session_invalidated,omitempty"`
	ExternalAPICost    float64        `json:"external_api_cost,omitempty"`
	EditOperation      string         `json:"edit_operation,omitempty"`
	HashMismatch       bool           `json:"hash_mismatch,omitempty"`
}

// ToolCallResult is the outcome of one tool execution.
type ToolCallResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    Meta   `json:"meta,omitempty"`
}

// Failure builds a failed result from an error message.
func Failure(msg string) ToolCallResult {
	return ToolCallResult{Success: false, Error: msg}
}

// Content returns what the model sees: output on success, error otherwise.
func (r ToolCallResult) Content() string {
	if r.Success {
		return r.Output
	}
	if r.Error == "" {
		return "tool execution failed"
	}
	return r.Error
}
