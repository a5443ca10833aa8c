package config

import "time"

// DefaultConfig returns the default configuration with built-in agents and tunables.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Agents: map[string]AgentConfig{
			"orchestrator": {
				Model:         "qwen2.5:7b",
				VRAMGB:        5,
				SystemPrompt:  "You break requests into subtasks, delegate them to specialists and assemble the final answer.",
				Tools:         []string{"read_file", "list_dir"},
				MaxIterations: 20,
				CanDelegateTo: []string{"coder", "writer", "reviewer", "researcher", "tester"},
			},
			"coder": {
				Model:         "qwen2.5-coder:7b",
				VRAMGB:        5,
				SystemPrompt:  "You implement features and write production code.",
				Tools:         []string{"read_file", "write_file", "list_dir", "shell"},
				MaxIterations: 15,
				CanDelegateTo: []string{"tester"},
			},
			"writer": {
				Model:         "llama3.1:8b",
				VRAMGB:        5,
				SystemPrompt:  "You write clear prose and documentation.",
				Tools:         []string{"read_file", "write_file"},
				MaxIterations: 10,
			},
			"reviewer": {
				Model:         "llama3.1:8b",
				VRAMGB:        5,
				SystemPrompt:  "You review work for correctness, style, and completeness.",
				Tools:         []string{"read_file", "list_dir"},
				MaxIterations: 10,
			},
			"researcher": {
				Model:         "mistral:7b",
				VRAMGB:        4.5,
				SystemPrompt:  "You gather and summarize the facts a task needs.",
				Tools:         []string{"read_file", "list_dir", "shell"},
				MaxIterations: 12,
			},
			"tester": {
				Model:         "qwen2.5-coder:7b",
				VRAMGB:        5,
				SystemPrompt:  "You write tests and validate functionality.",
				Tools:         []string{"read_file", "write_file", "shell"},
				MaxIterations: 12,
			},
		},
		ModelCache: ModelCacheConfig{
			TotalVRAMGB:      16,
			ReservedFraction: 0.125,
		},
		Stuck: StuckConfig{
			Window:              3,
			SimilarityThreshold: 0.8,
			MaxNudges:           2,
		},
		Loop: LoopConfig{
			CheckpointInterval:     5,
			CompletionMarker:       "TASK_COMPLETE",
			MaxConsecutiveFailures: 3,
		},
		Run: RunConfig{
			RootAgent:     "orchestrator",
			PollInitial:   D(100 * time.Millisecond),
			PollMax:       D(2 * time.Second),
			MaxWait:       D(10 * time.Minute),
			FailurePolicy: "fail_fast",
		},
		Ollama: OllamaConfig{
			RetryMaxWait:   D(30 * time.Second),
			BreakerTimeout: D(30 * time.Second),
		},
		MCPServers: map[string]MCPServerConfig{},
		DataDir:    ".taskforge",
	}
}
