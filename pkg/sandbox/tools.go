package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RegisterCoreTools installs the built-in tool set: shell execution, file
// read/write, directory listing, and sandbox switching.
func RegisterCoreTools(r *Registry) error {
	tools := []Tool{
		execTool(),
		readFileTool(),
		writeFileTool(),
		listDirTool(),
		switchSandboxTool(),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func execTool() Tool {
	return Tool{
		Name:        "exec",
		Description: "Run a shell command in the working session. Returns combined stdout/stderr and the exit code.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Shell command to run",
				},
				"workdir": map[string]interface{}{
					"type":        "string",
					"description": "Directory to run in; becomes the session working directory",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}, ec *ExecContext) ToolCallResult {
			command, _ := input["command"].(string)
			workdir, _ := input["workdir"].(string)

			cwd := ec.Cwd
			if workdir != "" {
				cwd = workdir
			}

			if ec.Session == nil {
				return Failure("no session available")
			}
			res, err := ec.Session.Exec(ctx, command, cwd)
			if err != nil {
				if errors.Is(err, ErrSessionClosed) {
					return ToolCallResult{Error: "session connection lost", Meta: Meta{SessionError: true}}
				}
				if errors.Is(err, ErrExecutionTimeout) {
					return Failure(fmt.Sprintf("command timed out after partial output:\n%s%s", res.Stdout, res.Stderr))
				}
				return ToolCallResult{Error: err.Error(), Meta: Meta{SessionError: true}}
			}

			var meta Meta
			if workdir != "" {
				meta.Cwd = workdir
			}

			output := res.Stdout
			if res.Stderr != "" {
				output += res.Stderr
			}
			if res.ExitCode != 0 {
				return ToolCallResult{
					Error: fmt.Sprintf("exit code %d\n%s", res.ExitCode, output),
					Meta:  meta,
				}
			}
			return ToolCallResult{Success: true, Output: output, Meta: meta}
		},
	}
}

func readFileTool() Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a file and return its contents.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File path, absolute or relative to the working directory",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, input map[string]interface{}, ec *ExecContext) ToolCallResult {
			path, _ := input["path"].(string)
			data, err := os.ReadFile(resolvePath(path, ec.Cwd))
			if err != nil {
				return Failure(err.Error())
			}
			return ToolCallResult{Success: true, Output: string(data)}
		},
	}
}

func writeFileTool() Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating it if needed. Pass expected_sha256 to guard against overwriting concurrent edits.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File path, absolute or relative to the working directory",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write",
				},
				"expected_sha256": map[string]interface{}{
					"type":        "string",
					"description": "SHA-256 of the current file content; the write fails if it no longer matches",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(_ context.Context, input map[string]interface{}, ec *ExecContext) ToolCallResult {
			path, _ := input["path"].(string)
			content, _ := input["content"].(string)
			expected, _ := input["expected_sha256"].(string)

			full := resolvePath(path, ec.Cwd)
			op := "create"
			existing, err := os.ReadFile(full)
			if err == nil {
				op = "overwrite"
				if expected != "" {
					sum := sha256.Sum256(existing)
					if !strings.EqualFold(expected, hex.EncodeToString(sum[:])) {
						return ToolCallResult{
							Error: "file changed since it was read; re-read before writing",
							Meta:  Meta{EditOperation: op, HashMismatch: true},
						}
					}
				}
			}

			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return Failure(err.Error())
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return Failure(err.Error())
			}
			return ToolCallResult{
				Success: true,
				Output:  fmt.Sprintf("wrote %d bytes to %s", len(content), path),
				Meta:    Meta{EditOperation: op},
			}
		},
	}
}

func listDirTool() Tool {
	return Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory path; defaults to the working directory",
				},
			},
		},
		Handler: func(_ context.Context, input map[string]interface{}, ec *ExecContext) ToolCallResult {
			path, _ := input["path"].(string)
			if path == "" {
				path = "."
			}
			entries, err := os.ReadDir(resolvePath(path, ec.Cwd))
			if err != nil {
				return Failure(err.Error())
			}

			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return ToolCallResult{Success: true, Output: strings.Join(names, "\n")}
		},
	}
}

func switchSandboxTool() Tool {
	return Tool{
		Name:        "switch_sandbox",
		Description: "Move subsequent commands to a different sandbox. The current session is closed.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"sandbox_name": map[string]interface{}{
					"type":        "string",
					"description": "Target sandbox name",
				},
				"sprite_name": map[string]interface{}{
					"type":        "string",
					"description": "Optional sprite identity inside the sandbox",
				},
			},
			"required": []string{"sandbox_name"},
		},
		Handler: func(_ context.Context, input map[string]interface{}, _ *ExecContext) ToolCallResult {
			name, _ := input["sandbox_name"].(string)
			sprite, _ := input["sprite_name"].(string)
			output := fmt.Sprintf("switched to sandbox %s", name)
			if sprite != "" {
				output = fmt.Sprintf("switched to sandbox %s (sprite %s)", name, sprite)
			}
			return ToolCallResult{
				Success: true,
				Output:  output,
				Meta:    Meta{SandboxSwitch: &SandboxSwitch{SandboxName: name, SpriteName: sprite}},
			}
		},
	}
}

func resolvePath(path, cwd string) string {
	if filepath.IsAbs(path) || cwd == "" {
		return path
	}
	return filepath.Join(cwd, path)
}
