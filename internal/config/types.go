package config

import "time"

// AgentConfig defines a role backed by one locally served model.
type AgentConfig struct {
	Model         string   `json:"model" yaml:"model"`                                         // Model identifier served by Ollama
	VRAMGB        float64  `json:"vram_gb" yaml:"vram_gb"`                                     // Capacity the model commits while loaded
	SystemPrompt  string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`     // Role-specific system prompt
	Tools         []string `json:"tools,omitempty" yaml:"tools,omitempty"`                     // Allowed tools for this role
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`   // Control loop bound
	CanDelegateTo []string `json:"can_delegate_to,omitempty" yaml:"can_delegate_to,omitempty"` // Roles this agent may spawn
}

// ModelCacheConfig sizes the shared model-serving budget.
type ModelCacheConfig struct {
	TotalVRAMGB      float64  `json:"total_vram_gb" yaml:"total_vram_gb"`
	ReservedFraction float64  `json:"reserved_fraction" yaml:"reserved_fraction"`
	KeepWarm         []string `json:"keep_warm,omitempty" yaml:"keep_warm,omitempty"`
}

// StuckConfig holds the stuck-detection tunables.
type StuckConfig struct {
	Window              int     `json:"window" yaml:"window"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	MaxNudges           int     `json:"max_nudges" yaml:"max_nudges"`
}

// LoopConfig holds the per-task control loop settings.
type LoopConfig struct {
	CheckpointInterval     int    `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	CompletionMarker       string `json:"completion_marker" yaml:"completion_marker"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// RunConfig drives the top-level orchestrator.
type RunConfig struct {
	RootAgent     string   `json:"root_agent" yaml:"root_agent"`
	PollInitial   Duration `json:"poll_initial" yaml:"poll_initial"`
	PollMax       Duration `json:"poll_max" yaml:"poll_max"`
	MaxWait       Duration `json:"max_wait" yaml:"max_wait"`
	FailurePolicy string   `json:"failure_policy" yaml:"failure_policy"` // "fail_fast" or "wait_all"
}

// OllamaConfig configures the model-serving endpoint.
type OllamaConfig struct {
	Host           string   `json:"host,omitempty" yaml:"host,omitempty"` // Empty uses OLLAMA_HOST or the default
	RetryMaxWait   Duration `json:"retry_max_wait" yaml:"retry_max_wait"`
	BreakerTimeout Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// MCPServerConfig launches an external MCP tool server over stdio.
type MCPServerConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Agents     map[string]AgentConfig     `json:"agents" yaml:"agents"`
	ModelCache ModelCacheConfig           `json:"model_cache" yaml:"model_cache"`
	Stuck      StuckConfig                `json:"stuck" yaml:"stuck"`
	Loop       LoopConfig                 `json:"loop" yaml:"loop"`
	Run        RunConfig                  `json:"orchestrator" yaml:"orchestrator"`
	Ollama     OllamaConfig               `json:"ollama" yaml:"ollama"`
	MCPServers map[string]MCPServerConfig `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
	DataDir    string                     `json:"data_dir" yaml:"data_dir"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}
