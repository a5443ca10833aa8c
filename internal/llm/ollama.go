package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaClient talks to a local Ollama server. It implements Client and
// the model cache's Loader.
type OllamaClient struct {
	api *api.Client
}

// NewOllamaClient connects to host, or to OLLAMA_HOST when host is empty.
func NewOllamaClient(host string) (*OllamaClient, error) {
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		return &OllamaClient{api: c}, nil
	}

	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host %q: %w", host, err)
	}
	return &OllamaClient{api: api.NewClient(u, http.DefaultClient)}, nil
}

// keepLoaded pins a model in memory until explicitly unloaded; residency
// is managed by the model cache, not by Ollama's idle timer.
var keepLoaded = &api.Duration{Duration: -1}

// Chat sends one non-streaming chat turn.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (Response, error) {
	msgs, err := toAPIMessages(messages)
	if err != nil {
		return Response{}, err
	}
	apiTools, err := toAPITools(tools)
	if err != nil {
		return Response{}, err
	}

	stream := false
	req := &api.ChatRequest{
		Model:     model,
		Messages:  msgs,
		Tools:     apiTools,
		Stream:    &stream,
		KeepAlive: keepLoaded,
	}

	start := time.Now()
	var final api.ChatResponse
	var content strings.Builder
	var calls []api.ToolCall
	err = c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		calls = append(calls, resp.Message.ToolCalls...)
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat with %s: %w", model, err)
	}

	out := Response{
		Model:            model,
		Content:          content.String(),
		Duration:         time.Since(start),
		PromptTokens:     final.PromptEvalCount,
		CompletionTokens: final.EvalCount,
	}
	for _, tc := range calls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return Response{}, fmt.Errorf("encoding arguments of %s: %w", tc.Function.Name, err)
		}
		if string(args) == "null" {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: args,
			Source:    SourceStructured,
		})
	}
	return out, nil
}

// Generate runs a single non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:     model,
		Prompt:    prompt,
		Stream:    &stream,
		KeepAlive: keepLoaded,
	}

	var out strings.Builder
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate with %s: %w", model, err)
	}
	return out.String(), nil
}

// Load asks Ollama to bring model into memory and keep it there.
// An empty generate request loads without producing tokens.
func (c *OllamaClient) Load(ctx context.Context, model string) error {
	req := &api.GenerateRequest{Model: model, KeepAlive: keepLoaded}
	if err := c.api.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		return fmt.Errorf("loading %s: %w", model, err)
	}
	return nil
}

// Unload releases model immediately.
func (c *OllamaClient) Unload(ctx context.Context, model string) error {
	req := &api.GenerateRequest{Model: model, KeepAlive: &api.Duration{Duration: 0}}
	if err := c.api.Generate(ctx, req, func(api.GenerateResponse) error { return nil }); err != nil {
		return fmt.Errorf("unloading %s: %w", model, err)
	}
	return nil
}

// RunningModel is a model Ollama currently holds in memory.
type RunningModel struct {
	Name     string
	SizeVRAM int64
}

// Running lists the models the server has loaded.
func (c *OllamaClient) Running(ctx context.Context) ([]RunningModel, error) {
	resp, err := c.api.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing running models: %w", err)
	}
	out := make([]RunningModel, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, RunningModel{Name: m.Name, SizeVRAM: m.SizeVRAM})
	}
	return out, nil
}

// wireMessage mirrors Ollama's JSON message shape. Messages are converted
// through JSON so the API types' own decoders build tool-call arguments.
type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func toAPIMessages(messages []Message) ([]api.Message, error) {
	wire := make([]wireMessage, len(messages))
	for i, m := range messages {
		wire[i] = wireMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			wire[i].ToolCalls = append(wire[i].ToolCalls, wireToolCall{
				Function: wireFunction{Name: tc.Name, Arguments: args},
			})
		}
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}
	var out []api.Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return out, nil
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func toAPITools(tools []ToolSpec) (api.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	wire := make([]wireTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wire[i] = wireTool{
			Type:     "function",
			Function: wireToolSpec{Name: t.Name, Description: t.Description, Parameters: params},
		}
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding tools: %w", err)
	}
	var out api.Tools
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding tools: %w", err)
	}
	return out, nil
}
