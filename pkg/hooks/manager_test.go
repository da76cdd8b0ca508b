package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "pre_exec.txt")
	hookScript := "echo observed > " + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Scripts: []ScriptHook{
			{
				ID:      "observer",
				Event:   EventToolPreExec,
				Script:  hookScript,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	result := manager.Trigger(context.Background(), EventToolPreExec, nil)
	assert.False(t, result.Blocked)

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "observed\n", string(content))
}

func TestManagerTriggerInjectsEventDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	hookScript := "echo \"$DROVER_HOOK_EVENT:$DROVER_HOOK_DATA_TOOL_NAME\" > " + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Scripts: []ScriptHook{
			{
				ID:      "env",
				Event:   EventToolPostExec,
				Script:  hookScript,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	manager.Trigger(context.Background(), EventToolPostExec, map[string]interface{}{
		"tool_name": "exec",
	})

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "tool.post_exec:exec\n", string(content))
}

func TestManagerTriggerScriptFailuresAreNonFatal(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Scripts: []ScriptHook{
			{ID: "fail-1", Event: EventModelPreCall, Script: "exit 2", Enabled: true},
			{ID: "fail-2", Event: EventModelPreCall, Script: "exit 3", Enabled: true},
		},
	})
	require.NoError(t, err)

	result := manager.Trigger(context.Background(), EventModelPreCall, map[string]interface{}{"model": "m"})
	assert.False(t, result.Blocked)
	assert.Equal(t, "m", result.Data["model"])
}

func TestManagerTriggerScriptCanBlock(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Scripts: []ScriptHook{
			{
				ID:      "guard",
				Event:   EventToolPreExec,
				Script:  `echo '{"blocked": true, "reason": "denied by policy"}'`,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	result := manager.Trigger(context.Background(), EventToolPreExec, nil)
	assert.True(t, result.Blocked)
	assert.Equal(t, "denied by policy", result.Reason)
}

func TestManagerTriggerHandlers(t *testing.T) {
	t.Run("should rewrite data through the chain", func(t *testing.T) {
		manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop()})
		require.NoError(t, err)

		manager.Register(EventToolPreExec, func(_ context.Context, _ string, data map[string]interface{}) (Result, error) {
			data["input"] = "rewritten"
			return Result{Data: data}, nil
		})

		result := manager.Trigger(context.Background(), EventToolPreExec, map[string]interface{}{"input": "original"})
		assert.Equal(t, "rewritten", result.Data["input"])
	})

	t.Run("should stop at the first blocked result", func(t *testing.T) {
		manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop()})
		require.NoError(t, err)

		called := false
		manager.Register(EventToolPreExec, func(context.Context, string, map[string]interface{}) (Result, error) {
			return Result{Blocked: true, Reason: "no"}, nil
		})
		manager.Register(EventToolPreExec, func(context.Context, string, map[string]interface{}) (Result, error) {
			called = true
			return Result{}, nil
		})

		result := manager.Trigger(context.Background(), EventToolPreExec, nil)
		assert.True(t, result.Blocked)
		assert.False(t, called)
	})

	t.Run("should skip failing handlers", func(t *testing.T) {
		manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop()})
		require.NoError(t, err)

		manager.Register(EventModelPostCall, func(context.Context, string, map[string]interface{}) (Result, error) {
			return Result{}, errors.New("boom")
		})

		result := manager.Trigger(context.Background(), EventModelPostCall, map[string]interface{}{"ok": true})
		assert.False(t, result.Blocked)
		assert.Equal(t, true, result.Data["ok"])
	})
}

func TestManagerDisabled(t *testing.T) {
	manager, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	result := manager.Trigger(context.Background(), EventToolPreExec, nil)
	assert.False(t, result.Blocked)
}
