package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/llm"
)

const (
	maxOutputBytes      = 16 * 1024
	defaultShellTimeout = 2 * time.Minute
)

// Workspace confines the built-in tools to one directory tree.
type Workspace struct {
	Root         string
	Processes    *ProcessManager
	ShellTimeout time.Duration
}

// RegisterBuiltins adds read_file, write_file, list_dir and shell to r.
func RegisterBuiltins(r *Registry, ws Workspace) error {
	root, err := filepath.Abs(ws.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	ws.Root = root
	if ws.Processes == nil {
		ws.Processes = NewProcessManager()
	}
	if ws.ShellTimeout <= 0 {
		ws.ShellTimeout = defaultShellTimeout
	}

	for _, t := range []Tool{
		&readFileTool{ws: ws},
		&writeFileTool{ws: ws},
		&listDirTool{ws: ws},
		&shellTool{ws: ws},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps a tool-supplied path onto the workspace, refusing escapes.
func (ws Workspace) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(ws.Root, p)
	}
	rel, err := filepath.Rel(ws.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return full, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("\n... (truncated, %d bytes total)", len(s))
}

func schema(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%s},"required":%s}`, props, req))
}

type readFileTool struct{ ws Workspace }

func (t *readFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Parameters:  schema(`"path":{"type":"string","description":"File path relative to the workspace"}`, "path"),
	}
}

func (t *readFileTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return failure("%v", err)
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return failure("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("read %s: %v", args.Path, err)
	}
	return Result{Success: true, Output: truncate(string(data), maxOutputBytes)}
}

type writeFileTool struct{ ws Workspace }

func (t *writeFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace.",
		Parameters: schema(`"path":{"type":"string","description":"File path relative to the workspace"},`+
			`"content":{"type":"string","description":"Full file content"}`, "path", "content"),
	}
}

func (t *writeFileTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return failure("%v", err)
	}
	if args.Path == "" {
		return failure("path is required")
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return failure("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return failure("write %s: %v", args.Path, err)
	}
	return Result{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}
}

type listDirTool struct{ ws Workspace }

func (t *listDirTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory. Directories end with '/'.",
		Parameters:  schema(`"path":{"type":"string","description":"Directory relative to the workspace, default '.'"}`),
	}
}

func (t *listDirTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return failure("%v", err)
	}
	path, err := t.ws.resolve(args.Path)
	if err != nil {
		return failure("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure("list %s: %v", args.Path, err)
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
	return Result{Success: true, Output: truncate(strings.Join(names, "\n"), maxOutputBytes)}
}

type shellTool struct{ ws Workspace }

func (t *shellTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "shell",
		Description: "Run a shell command in the workspace and return its output.",
		Parameters:  schema(`"command":{"type":"string","description":"Command line passed to sh -c"}`, "command"),
	}
}

func (t *shellTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return failure("%v", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return failure("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, t.ws.ShellTimeout)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", args.Command)
	cmd.Dir = t.ws.Root
	stdout, stderr, err := executeCommand(ctx, cmd, t.ws.Processes)

	out := string(stdout)
	if len(stderr) > 0 {
		out += string(stderr)
	}
	out = truncate(out, maxOutputBytes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Output: out, Error: fmt.Sprintf("command timed out after %s", t.ws.ShellTimeout)}
		}
		return Result{Output: out, Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}
