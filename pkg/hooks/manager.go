// Package hooks provides named extension points around the run pipeline.
// Hooks observe or rewrite the data flowing through an event and may block
// the guarded action; every other hook failure is non-fatal.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Extension point names fired by the run pipeline.
const (
	EventRunPrePrompt  = "run.pre_prompt"
	EventModelPreCall  = "model.pre_call"
	EventModelPostCall = "model.post_call"
	EventToolPreExec   = "tool.pre_exec"
	EventToolPostExec  = "tool.post_exec"
)

// Result is the outcome of triggering an event. Data is the (possibly
// rewritten) event payload; Blocked stops the guarded action.
type Result struct {
	Data    map[string]interface{}
	Blocked bool
	Reason  string
}

// Handler is an in-process hook. Returning an error is non-fatal and only
// logged; blocking requires an explicit Blocked result.
type Handler func(ctx context.Context, event string, data map[string]interface{}) (Result, error)

// ScriptHook runs a shell script on an event. The script receives the
// payload via DROVER_HOOK_DATA_* environment variables and may print a JSON
// object {"data": {...}, "blocked": bool, "reason": "..."} on stdout.
type ScriptHook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a hook Manager.
type Config struct {
	Enabled bool
	Scripts []ScriptHook
	Logger  zerolog.Logger
}

// Manager dispatches events to registered handlers and configured scripts.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu              sync.RWMutex
	handlersByEvent map[string][]Handler
	scriptsByEvent  map[string][]ScriptHook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled:         cfg.Enabled,
		logger:          cfg.Logger.With().Str("component", "hooks").Logger(),
		handlersByEvent: make(map[string][]Handler),
		scriptsByEvent:  make(map[string][]ScriptHook),
	}

	if !cfg.Enabled {
		return m, nil
	}

	for _, script := range cfg.Scripts {
		if !script.Enabled {
			continue
		}
		event := strings.TrimSpace(script.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(script.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		m.scriptsByEvent[event] = append(m.scriptsByEvent[event], script)
	}

	return m, nil
}

// Register adds an in-process handler for an event.
func (m *Manager) Register(event string, h Handler) {
	if m == nil || h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlersByEvent[event] = append(m.handlersByEvent[event], h)
}

// Trigger fires all hooks registered for an event in order. Each hook may
// rewrite the payload seen by the next one; the first Blocked result stops
// the chain. Hook errors are logged and skipped, never propagated.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) Result {
	result := Result{Data: data}
	if m == nil || !m.enabled {
		return result
	}
	if result.Data == nil {
		result.Data = map[string]interface{}{}
	}

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlersByEvent[event]...)
	scripts := append([]ScriptHook(nil), m.scriptsByEvent[event]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		r, err := h(ctx, event, result.Data)
		if err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("hook handler failed")
			continue
		}
		if r.Data != nil {
			result.Data = r.Data
		}
		if r.Blocked {
			result.Blocked = true
			result.Reason = r.Reason
			return result
		}
	}

	for _, script := range scripts {
		r, err := m.runScript(ctx, event, script, result.Data)
		if err != nil {
			m.logger.Warn().Err(err).Str("event", event).Str("hook_id", script.ID).Msg("hook script failed")
			continue
		}
		if r.Data != nil {
			result.Data = r.Data
		}
		if r.Blocked {
			result.Blocked = true
			result.Reason = r.Reason
			return result
		}
	}

	return result
}

func (m *Manager) runScript(ctx context.Context, event string, hook ScriptHook, data map[string]interface{}) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return Result{}, fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return Result{}, fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText == "" {
		return Result{Data: data}, nil
	}

	var parsed struct {
		Data    map[string]interface{} `json:"data"`
		Blocked bool                   `json:"blocked"`
		Reason  string                 `json:"reason"`
	}
	if jsonErr := json.Unmarshal([]byte(outputText), &parsed); jsonErr != nil {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
		return Result{Data: data}, nil
	}

	out := Result{Data: data, Blocked: parsed.Blocked, Reason: parsed.Reason}
	if parsed.Data != nil {
		out.Data = parsed.Data
	}
	return out, nil
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "DROVER_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "DROVER_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
