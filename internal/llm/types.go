// Package llm is the model-invocation contract the control loop talks to,
// plus an Ollama adapter and a retrying, circuit-broken wrapper.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CallSource records which parser produced a ToolCall.
type CallSource string

const (
	SourceStructured CallSource = "structured" // native tool_calls from the model API
	SourceText       CallSource = "text"       // parsed out of free-form content
)

// ToolCall is the single normalized tool invocation both parsers produce.
// Arguments always holds a JSON object.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Source    CallSource      `json:"source,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Response is the result of one chat turn.
type Response struct {
	Model            string
	Content          string
	ToolCalls        []ToolCall
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Client invokes a model.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (Response, error)
	Generate(ctx context.Context, model, prompt string) (string, error)
}
