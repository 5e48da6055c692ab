package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the agent catalog. Configured agents overlay the built-ins
// by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates a registry seeded with the built-in agents.
func NewRegistry() *Registry {
	return &Registry{agents: BuiltIn()}
}

// Register adds or replaces an agent. An override of a built-in keeps the
// built-in's defaults for fields left zero.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if base, ok := r.agents[a.Name]; ok {
		merged := base.Clone()
		if a.Description != "" {
			merged.Description = a.Description
		}
		if a.Mode != "" {
			merged.Mode = a.Mode
		}
		if a.Prompt != "" {
			merged.Prompt = a.Prompt
		}
		if a.Permission != nil {
			merged.Permission = a.Permission
		}
		if a.Tools != nil {
			merged.Tools = a.Tools
		}
		if a.Steps != 0 {
			merged.Steps = a.Steps
		}
		if a.Model != nil {
			merged.Model = a.Model
		}
		if a.Temperature != nil {
			merged.Temperature = a.Temperature
		}
		if a.Options != nil {
			merged.Options = a.Options
		}
		merged.NoCascade = merged.NoCascade || a.NoCascade
		r.agents[a.Name] = merged
		return
	}
	r.agents[a.Name] = a.Clone()
}

// Get returns the named agent, or the build agent for the empty name.
func (r *Registry) Get(name string) (*Agent, error) {
	if name == "" {
		name = "build"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a.Clone(), nil
}

// List returns all agents sorted by name.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
