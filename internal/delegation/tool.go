package delegation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/taskforge/internal/llm"
)

// DelegateTool is the name of the pseudo-tool agents call to spawn a subtask.
const DelegateTool = "delegate"

// ToolSpec describes the delegate pseudo-tool, restricting target_agent to targets.
func ToolSpec(targets []string) llm.ToolSpec {
	enum, _ := json.Marshal(targets)
	params := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"target_agent": {"type": "string", "enum": %s, "description": "Role that should do the work"},
			"description": {"type": "string", "description": "What the subtask must accomplish"},
			"task_type": {"type": "string"},
			"context": {"type": "object", "additionalProperties": {"type": "string"}},
			"constraints": {"type": "array", "items": {"type": "string"}},
			"success_criteria": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["target_agent", "description"]
	}`, enum)
	return llm.ToolSpec{
		Name:        DelegateTool,
		Description: "Hand a subtask to a specialist agent. Your turn pauses until every subtask has finished; their results are added to this conversation.",
		Parameters:  json.RawMessage(params),
	}
}

// ParseRequest decodes delegate tool arguments.
func ParseRequest(args json.RawMessage) (Request, error) {
	var req Request
	if len(args) == 0 {
		return req, fmt.Errorf("delegate called without arguments")
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return req, fmt.Errorf("invalid delegate arguments: %w", err)
	}
	req.TargetAgent = strings.TrimSpace(req.TargetAgent)
	if req.TargetAgent == "" {
		return req, fmt.Errorf("delegate requires target_agent")
	}
	return req, nil
}
