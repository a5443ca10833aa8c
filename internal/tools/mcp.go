package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aristath/taskforge/internal/llm"
)

// MCPSource is a connection to one MCP server whose tools are exposed
// through the registry.
type MCPSource struct {
	name    string
	session *mcp.ClientSession
}

// ConnectMCP opens a client session over transport.
func ConnectMCP(ctx context.Context, name string, transport mcp.Transport) (*MCPSource, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "taskforge", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to MCP server %q: %w", name, err)
	}
	return &MCPSource{name: name, session: session}, nil
}

// ConnectMCPCommand launches command as a stdio MCP server.
func ConnectMCPCommand(ctx context.Context, name, command string, args []string) (*MCPSource, error) {
	cmd := exec.Command(command, args...)
	return ConnectMCP(ctx, name, &mcp.CommandTransport{Command: cmd})
}

// Name returns the configured server name.
func (s *MCPSource) Name() string { return s.name }

// RegisterTools lists the server's tools and adds them to r.
// Returns the names registered.
func (s *MCPSource) RegisterTools(ctx context.Context, r *Registry) ([]string, error) {
	res, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", s.name, err)
	}

	var names []string
	for _, t := range res.Tools {
		params, err := json.Marshal(t.InputSchema)
		if err != nil || string(params) == "null" {
			params = json.RawMessage(`{"type":"object"}`)
		}
		tool := &mcpTool{
			source: s,
			spec: llm.ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
		if err := r.Register(tool); err != nil {
			return names, fmt.Errorf("register %q from %q: %w", t.Name, s.name, err)
		}
		names = append(names, t.Name)
	}
	return names, nil
}

// Close ends the session and stops a launched server.
func (s *MCPSource) Close() error {
	return s.session.Close()
}

type mcpTool struct {
	source *MCPSource
	spec   llm.ToolSpec
}

func (t *mcpTool) Spec() llm.ToolSpec { return t.spec }

func (t *mcpTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	args := map[string]any{}
	if err := decodeArgs(raw, &args); err != nil {
		return failure("%v", err)
	}

	res, err := t.source.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.spec.Name,
		Arguments: args,
	})
	if err != nil {
		return failure("%s: %v", t.spec.Name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := truncate(strings.Join(parts, "\n"), maxOutputBytes)
	if res.IsError {
		return Result{Error: out}
	}
	return Result{Success: true, Output: out}
}
