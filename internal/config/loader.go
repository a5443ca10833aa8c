package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON or YAML returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional global and project config paths.
// Global: ~/.taskforge/config.json
// Project: .taskforge/config.json (relative to cwd)
func DefaultPaths() (string, string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskforge", "config.json"), filepath.Join(".taskforge", "config.json"), nil
}

// LoadDefault loads configuration from conventional paths.
func LoadDefault() (*OrchestratorConfig, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded OrchestratorConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &loaded)
	default:
		err = json.Unmarshal(data, &loaded)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays every set field of loaded onto base.
func merge(base, loaded *OrchestratorConfig) {
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, server := range loaded.MCPServers {
		if base.MCPServers == nil {
			base.MCPServers = make(map[string]MCPServerConfig)
		}
		base.MCPServers[key] = server
	}

	if loaded.ModelCache.TotalVRAMGB > 0 {
		base.ModelCache.TotalVRAMGB = loaded.ModelCache.TotalVRAMGB
	}
	if loaded.ModelCache.ReservedFraction > 0 {
		base.ModelCache.ReservedFraction = loaded.ModelCache.ReservedFraction
	}
	if len(loaded.ModelCache.KeepWarm) > 0 {
		base.ModelCache.KeepWarm = loaded.ModelCache.KeepWarm
	}

	if loaded.Stuck.Window > 0 {
		base.Stuck.Window = loaded.Stuck.Window
	}
	if loaded.Stuck.SimilarityThreshold > 0 {
		base.Stuck.SimilarityThreshold = loaded.Stuck.SimilarityThreshold
	}
	if loaded.Stuck.MaxNudges > 0 {
		base.Stuck.MaxNudges = loaded.Stuck.MaxNudges
	}

	if loaded.Loop.CheckpointInterval > 0 {
		base.Loop.CheckpointInterval = loaded.Loop.CheckpointInterval
	}
	if loaded.Loop.CompletionMarker != "" {
		base.Loop.CompletionMarker = loaded.Loop.CompletionMarker
	}
	if loaded.Loop.MaxConsecutiveFailures > 0 {
		base.Loop.MaxConsecutiveFailures = loaded.Loop.MaxConsecutiveFailures
	}

	if loaded.Run.RootAgent != "" {
		base.Run.RootAgent = loaded.Run.RootAgent
	}
	if loaded.Run.PollInitial.Duration > 0 {
		base.Run.PollInitial = loaded.Run.PollInitial
	}
	if loaded.Run.PollMax.Duration > 0 {
		base.Run.PollMax = loaded.Run.PollMax
	}
	if loaded.Run.MaxWait.Duration > 0 {
		base.Run.MaxWait = loaded.Run.MaxWait
	}
	if loaded.Run.FailurePolicy != "" {
		base.Run.FailurePolicy = loaded.Run.FailurePolicy
	}

	if loaded.Ollama.Host != "" {
		base.Ollama.Host = loaded.Ollama.Host
	}
	if loaded.Ollama.RetryMaxWait.Duration > 0 {
		base.Ollama.RetryMaxWait = loaded.Ollama.RetryMaxWait
	}
	if loaded.Ollama.BreakerTimeout.Duration > 0 {
		base.Ollama.BreakerTimeout = loaded.Ollama.BreakerTimeout
	}

	if loaded.DataDir != "" {
		base.DataDir = loaded.DataDir
	}
}

// Validate checks cross-references between sections.
func (c *OrchestratorConfig) Validate() error {
	if c.ModelCache.ReservedFraction < 0 || c.ModelCache.ReservedFraction >= 1 {
		return fmt.Errorf("model_cache.reserved_fraction must be in [0,1), got %v", c.ModelCache.ReservedFraction)
	}
	if _, ok := c.Agents[c.Run.RootAgent]; !ok {
		return fmt.Errorf("root agent %q is not defined", c.Run.RootAgent)
	}
	switch c.Run.FailurePolicy {
	case "", "fail_fast", "wait_all":
	default:
		return fmt.Errorf("unknown failure policy %q", c.Run.FailurePolicy)
	}
	for name, agent := range c.Agents {
		if agent.Model == "" {
			return fmt.Errorf("agent %q has no model", name)
		}
		if agent.VRAMGB < 0 {
			return fmt.Errorf("agent %q has negative vram_gb", name)
		}
		for _, target := range agent.CanDelegateTo {
			if _, ok := c.Agents[target]; !ok {
				return fmt.Errorf("agent %q may delegate to unknown agent %q", name, target)
			}
		}
	}
	return nil
}
