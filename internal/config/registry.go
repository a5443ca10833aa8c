package config

import "sort"

// AgentDefinition is the resolved, read-only view of one agent role.
type AgentDefinition struct {
	Name          string
	Model         string
	VRAMGB        float64
	SystemPrompt  string
	Tools         []string
	MaxIterations int
	CanDelegateTo []string
}

// CanDelegate reports whether target is on this agent's delegation allow-list.
func (a AgentDefinition) CanDelegate(target string) bool {
	for _, t := range a.CanDelegateTo {
		if t == target {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the agent may call the named tool.
func (a AgentDefinition) AllowsTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Registry is an immutable agent lookup table built once from configuration
// and passed to the components that need it.
type Registry struct {
	agents map[string]AgentDefinition
}

const defaultMaxIterations = 10

// NewRegistry copies the agent map into a registry.
func NewRegistry(agents map[string]AgentConfig) *Registry {
	r := &Registry{agents: make(map[string]AgentDefinition, len(agents))}
	for name, a := range agents {
		maxIter := a.MaxIterations
		if maxIter <= 0 {
			maxIter = defaultMaxIterations
		}
		r.agents[name] = AgentDefinition{
			Name:          name,
			Model:         a.Model,
			VRAMGB:        a.VRAMGB,
			SystemPrompt:  a.SystemPrompt,
			Tools:         append([]string(nil), a.Tools...),
			MaxIterations: maxIter,
			CanDelegateTo: append([]string(nil), a.CanDelegateTo...),
		}
	}
	return r
}

// Lookup returns the definition for role.
func (r *Registry) Lookup(role string) (AgentDefinition, bool) {
	a, ok := r.agents[role]
	return a, ok
}

// Names returns all role names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
