package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{SessionKey: "chat-1", AgentID: "agent-1", SandboxName: "default"}
}

func TestHostSession(t *testing.T) {
	t.Run("should execute commands lazily", func(t *testing.T) {
		s := NewHostSession(testKey(), HostConfig{WorkDir: t.TempDir()})
		res, err := s.Exec(context.Background(), "echo hello", "")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, 0, res.ExitCode)
		assert.True(t, s.Alive())
	})

	t.Run("should report nonzero exit codes without error", func(t *testing.T) {
		s := NewHostSession(testKey(), HostConfig{})
		res, err := s.Exec(context.Background(), "exit 3", "")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("should refuse commands after close", func(t *testing.T) {
		s := NewHostSession(testKey(), HostConfig{})
		require.NoError(t, s.Close(context.Background()))
		require.NoError(t, s.Close(context.Background()))
		assert.False(t, s.Alive())

		_, err := s.Exec(context.Background(), "echo hi", "")
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("should accept commands again after recreate", func(t *testing.T) {
		s := NewHostSession(testKey(), HostConfig{})
		require.NoError(t, s.Close(context.Background()))
		require.NoError(t, s.Recreate(context.Background()))
		require.NoError(t, s.Recreate(context.Background()))

		res, err := s.Exec(context.Background(), "echo back", "")
		require.NoError(t, err)
		assert.Equal(t, "back\n", res.Stdout)
	})

	t.Run("should time out long commands", func(t *testing.T) {
		s := NewHostSession(testKey(), HostConfig{ExecTimeout: 50 * time.Millisecond})
		_, err := s.Exec(context.Background(), "sleep 1", "")
		assert.ErrorIs(t, err, ErrExecutionTimeout)
	})
}

func TestManager(t *testing.T) {
	t.Run("should create sessions lazily and reuse them", func(t *testing.T) {
		created := 0
		m := NewManager(func(key Key) Session {
			created++
			return NewHostSession(key, HostConfig{})
		})

		s1 := m.Acquire(testKey())
		s2 := m.Acquire(testKey())
		assert.Same(t, s1, s2)
		assert.Equal(t, 1, created)
	})

	t.Run("should hand out a fresh session after drop", func(t *testing.T) {
		m := NewHostManager(HostConfig{})
		s1 := m.Acquire(testKey())
		m.Drop(context.Background(), testKey())
		assert.False(t, s1.Alive())

		s2 := m.Acquire(testKey())
		assert.NotSame(t, s1, s2)
		assert.True(t, s2.Alive())
	})
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterCoreTools(r))
	return r
}

func TestRegistryExecuteTool(t *testing.T) {
	dir := t.TempDir()
	ec := &ExecContext{
		Session: NewHostSession(testKey(), HostConfig{WorkDir: dir}),
		Cwd:     dir,
		Key:     testKey(),
	}

	t.Run("should fail unknown tools as results", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "teleport", nil, ec)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "unknown tool")
	})

	t.Run("should reject schema-invalid input as a result", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "exec", map[string]interface{}{"bogus": true}, ec)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "invalid input")
	})

	t.Run("should run exec and capture output", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "exec", map[string]interface{}{"command": "echo out"}, ec)
		assert.True(t, res.Success)
		assert.Equal(t, "out\n", res.Output)
	})

	t.Run("should surface exit failures with output", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "exec", map[string]interface{}{"command": "echo oops >&2; exit 1"}, ec)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "exit code 1")
		assert.Contains(t, res.Error, "oops")
	})

	t.Run("should report a workdir change in meta", func(t *testing.T) {
		r := newTestRegistry(t)
		sub := filepath.Join(dir, "sub")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		res := r.ExecuteTool(context.Background(), "exec", map[string]interface{}{"command": "pwd", "workdir": sub}, ec)
		assert.True(t, res.Success)
		assert.Equal(t, sub, res.Meta.Cwd)
	})

	t.Run("should flag a session error when the session is closed", func(t *testing.T) {
		r := newTestRegistry(t)
		closedEC := &ExecContext{Session: NewHostSession(testKey(), HostConfig{}), Cwd: dir}
		require.NoError(t, closedEC.Session.Close(context.Background()))

		res := r.ExecuteTool(context.Background(), "exec", map[string]interface{}{"command": "echo hi"}, closedEC)
		assert.False(t, res.Success)
		assert.True(t, res.Meta.SessionError)
	})

	t.Run("should read and write files", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "write_file", map[string]interface{}{
			"path": "notes.txt", "content": "first",
		}, ec)
		require.True(t, res.Success)
		assert.Equal(t, "create", res.Meta.EditOperation)

		res = r.ExecuteTool(context.Background(), "read_file", map[string]interface{}{"path": "notes.txt"}, ec)
		require.True(t, res.Success)
		assert.Equal(t, "first", res.Output)
	})

	t.Run("should detect a hash mismatch on guarded writes", func(t *testing.T) {
		r := newTestRegistry(t)
		path := filepath.Join(dir, "guarded.txt")
		require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
		staleSum := sha256.Sum256([]byte("something else"))

		res := r.ExecuteTool(context.Background(), "write_file", map[string]interface{}{
			"path": "guarded.txt", "content": "v2", "expected_sha256": hex.EncodeToString(staleSum[:]),
		}, ec)
		assert.False(t, res.Success)
		assert.True(t, res.Meta.HashMismatch)

		goodSum := sha256.Sum256([]byte("v1"))
		res = r.ExecuteTool(context.Background(), "write_file", map[string]interface{}{
			"path": "guarded.txt", "content": "v2", "expected_sha256": hex.EncodeToString(goodSum[:]),
		}, ec)
		assert.True(t, res.Success)
		assert.Equal(t, "overwrite", res.Meta.EditOperation)
	})

	t.Run("should list directories", func(t *testing.T) {
		r := newTestRegistry(t)
		listDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(listDir, "a.txt"), nil, 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(listDir, "nested"), 0o755))

		res := r.ExecuteTool(context.Background(), "list_dir", map[string]interface{}{"path": listDir}, ec)
		require.True(t, res.Success)
		assert.Equal(t, "a.txt\nnested/", res.Output)
	})

	t.Run("should emit a sandbox switch in meta", func(t *testing.T) {
		r := newTestRegistry(t)
		res := r.ExecuteTool(context.Background(), "switch_sandbox", map[string]interface{}{
			"sandbox_name": "build", "sprite_name": "worker",
		}, ec)
		require.True(t, res.Success)
		require.NotNil(t, res.Meta.SandboxSwitch)
		assert.Equal(t, "build", res.Meta.SandboxSwitch.SandboxName)
		assert.Equal(t, "worker", res.Meta.SandboxSwitch.SpriteName)
		assert.Equal(t, "switched to sandbox build (sprite worker)", res.Output)
	})
}

func TestRegistryDefinitions(t *testing.T) {
	t.Run("should return definitions in a stable name order", func(t *testing.T) {
		r := NewRegistry()
		for _, name := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, r.Register(Tool{
				Name:        name,
				Description: name,
				Handler: func(_ context.Context, _ map[string]interface{}, _ *ExecContext) ToolCallResult {
					return ToolCallResult{Success: true}
				},
			}))
		}

		first := r.Definitions()
		require.Len(t, first, 3)
		assert.Equal(t, "alpha", first[0].Name)
		assert.Equal(t, "mid", first[1].Name)
		assert.Equal(t, "zeta", first[2].Name)

		assert.Equal(t, first, r.Definitions())
	})
}

func TestToolCallResultContent(t *testing.T) {
	assert.Equal(t, "ok", ToolCallResult{Success: true, Output: "ok"}.Content())
	assert.Equal(t, "bad", ToolCallResult{Error: "bad"}.Content())
	assert.Equal(t, "tool execution failed", ToolCallResult{}.Content())
}
