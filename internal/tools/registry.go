// Package tools provides the tools agents can call: a registry, the built-in
// filesystem and shell tools, and tools served by external MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskforge/internal/llm"
)

// Result is the outcome of one tool call. A failed call is an observation
// for the model, not an error for the caller.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Text renders the result the way it is fed back into a conversation.
func (r Result) Text() string {
	if r.Success {
		return r.Output
	}
	if r.Output != "" {
		return fmt.Sprintf("error: %s\n%s", r.Error, r.Output)
	}
	return "error: " + r.Error
}

func failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Tool is a callable capability.
type Tool interface {
	Spec() llm.ToolSpec
	Execute(ctx context.Context, args json.RawMessage) Result
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Spec().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs the named tool. Unknown tools and panics become failed results.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (res Result) {
	t, ok := r.Get(name)
	if !ok {
		return failure("unknown tool %q", name)
	}
	defer func() {
		if p := recover(); p != nil {
			res = failure("tool %q panicked: %v", name, p)
		}
	}()
	return t.Execute(ctx, args)
}

// Specs returns the specs of the allowed tools that are registered, in
// allow-list order. A nil allow-list returns every tool sorted by name.
func (r *Registry) Specs(allow []string) []llm.ToolSpec {
	names := allow
	if names == nil {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			specs = append(specs, t.Spec())
		}
	}
	return specs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeArgs unmarshals tool arguments, treating empty input as {}.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
