package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/llm"
	"github.com/aristath/taskforge/internal/scheduler"
)

// systemPrompt combines the role prompt with the loop's operating rules.
func systemPrompt(def config.AgentDefinition, marker string, canDelegate bool) string {
	var b strings.Builder
	if def.SystemPrompt != "" {
		b.WriteString(def.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are the %q agent. Work step by step and use the provided tools when they help.\n", def.Name)
	if canDelegate {
		fmt.Fprintf(&b, "You may hand work to these agents with the delegate tool: %s. Their results are added to this conversation when they finish.\n",
			strings.Join(def.CanDelegateTo, ", "))
	}
	fmt.Fprintf(&b, "When the task is finished, reply with %s on its own line followed by the final result.", marker)
	return b.String()
}

// taskPrompt renders the task description and its context, keys sorted.
func taskPrompt(task *scheduler.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Description)

	if len(task.Context) > 0 {
		keys := make([]string, 0, len(task.Context))
		for k := range task.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, task.Context[k])
		}
	}
	return b.String()
}

// initialMessages opens a fresh conversation for task.
func initialMessages(def config.AgentDefinition, task *scheduler.Task, marker string, canDelegate bool) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(def, marker, canDelegate)},
		{Role: llm.RoleUser, Content: taskPrompt(task)},
	}
}

func continuePrompt(marker string) llm.Message {
	return llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("Continue with the task. If it is finished, reply with %s followed by the final result.", marker),
	}
}

// extractResult strips the completion marker and returns the final answer.
func extractResult(content, marker string) string {
	idx := strings.Index(content, marker)
	if idx < 0 {
		return strings.TrimSpace(content)
	}
	after := strings.TrimSpace(content[idx+len(marker):])
	if after != "" {
		return after
	}
	return strings.TrimSpace(content[:idx])
}
