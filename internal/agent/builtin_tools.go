package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Host call names used by the builtin tools.
const (
	HostFSRead    = "fs.read"
	HostFSWrite   = "fs.write"
	HostFSList    = "fs.list"
	HostShellExec = "shell.exec"
)

// RegisterBuiltinTools adds the default tools to a registry.
func RegisterBuiltinTools(reg *ToolRegistry) {
	reg.Register(Tool{
		Name:        "get_current_time",
		Description: "Get the current time",
		Parameters:  Schema(nil, map[string]interface{}{}),
		ReadOnly:    true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error) {
			now := time.Now()
			return fmt.Sprintf(`{"time":"%s","unix":%d}`, now.Format(time.RFC3339), now.Unix()), nil
		},
	})

	reg.Register(Tool{
		Name:        "read_file",
		Description: "Read a text file relative to the working folder",
		Parameters: Schema([]string{"path"}, map[string]interface{}{
			"path": Prop("string", "File path"),
		}),
		ReadOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error) {
			var p struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &p); err != nil || p.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			return invokeHost(ctx, tc, HostFSRead, map[string]interface{}{"path": resolvePath(tc, p.Path)})
		},
	})

	reg.Register(Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory relative to the working folder",
		Parameters: Schema(nil, map[string]interface{}{
			"path": Prop("string", "Directory path, defaults to the working folder"),
		}),
		ReadOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error) {
			var p struct {
				Path string `json:"path"`
			}
			_ = json.Unmarshal(input, &p)
			if p.Path == "" {
				p.Path = "."
			}
			return invokeHost(ctx, tc, HostFSList, map[string]interface{}{"path": resolvePath(tc, p.Path)})
		},
	})

	reg.Register(Tool{
		Name:        "write_file",
		Description: "Write a text file relative to the working folder, replacing it if present",
		Parameters: Schema([]string{"path", "content"}, map[string]interface{}{
			"path":    Prop("string", "File path"),
			"content": Prop("string", "Full file content"),
		}),
		RequiresApproval: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error) {
			var p struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &p); err != nil || p.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			return invokeHost(ctx, tc, HostFSWrite, map[string]interface{}{
				"path":    resolvePath(tc, p.Path),
				"content": p.Content,
			})
		},
	})

	reg.Register(Tool{
		Name:        "run_command",
		Description: "Run a shell command in the working folder",
		Parameters: Schema([]string{"command"}, map[string]interface{}{
			"command":         Prop("string", "Command line passed to the shell"),
			"timeout_seconds": Prop("number", "Kill the command after this many seconds (default 60)"),
		}),
		RequiresApproval: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error) {
			var p struct {
				Command        string `json:"command"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(input, &p); err != nil || p.Command == "" {
				return "", fmt.Errorf("command is required")
			}
			if p.TimeoutSeconds <= 0 {
				p.TimeoutSeconds = 60
			}
			return invokeHost(ctx, tc, HostShellExec, map[string]interface{}{
				"command": p.Command,
				"cwd":     tc.WorkingFolder,
				"timeout": p.TimeoutSeconds,
			})
		},
	})
}

func invokeHost(ctx context.Context, tc *ToolContext, name string, args map[string]interface{}) (string, error) {
	if tc == nil || tc.Host == nil {
		return "", fmt.Errorf("no host attached for %s", name)
	}
	out, err := tc.Host.Invoke(ctx, name, args)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func resolvePath(tc *ToolContext, p string) string {
	if filepath.IsAbs(p) || tc == nil || tc.WorkingFolder == "" {
		return p
	}
	return filepath.Join(tc.WorkingFolder, p)
}
