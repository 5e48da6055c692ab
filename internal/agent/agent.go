// Package agent provides the catalog of named agents selectable per user
// message.
package agent

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kiln-ai/kiln/pkg/types"
)

// Mode restricts where an agent can be used.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
	ModeAll      Mode = "all"
)

// Agent bundles a system prompt, permission ruleset, tool overlay, step cap
// and default model under a name.
type Agent struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Mode        Mode                   `json:"mode"`
	BuiltIn     bool                   `json:"builtIn"`
	Prompt      string                 `json:"prompt,omitempty"`
	Permission  []types.PermissionRule `json:"permission,omitempty"`
	Tools       map[string]bool        `json:"tools,omitempty"`
	Steps       int                    `json:"steps,omitempty"` // 0 means unbounded
	Model       *types.ModelRef        `json:"model,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	Options     map[string]any         `json:"options,omitempty"`

	// NoCascade exempts this agent's permission asks from peer rejection
	// cascade. Useful for sub-agents whose approvals are independent.
	NoCascade bool `json:"noCascade,omitempty"`
}

// ToolEnabled reports whether a tool is enabled for this agent. Exact
// entries win over wildcard patterns; tools not mentioned are enabled.
func (a *Agent) ToolEnabled(toolID string) bool {
	if enabled, ok := a.Tools[toolID]; ok {
		return enabled
	}
	for pattern, enabled := range a.Tools {
		if pattern == "*" {
			continue // global default applied last
		}
		if matchWildcard(pattern, toolID) {
			return enabled
		}
	}
	if enabled, ok := a.Tools["*"]; ok {
		return enabled
	}
	return true
}

// IsPrimary reports whether the agent can drive a root session.
func (a *Agent) IsPrimary() bool {
	return a.Mode == ModePrimary || a.Mode == ModeAll
}

// IsSubagent reports whether the agent can drive a child session.
func (a *Agent) IsSubagent() bool {
	return a.Mode == ModeSubagent || a.Mode == ModeAll
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	clone := *a
	if a.Permission != nil {
		clone.Permission = append([]types.PermissionRule{}, a.Permission...)
	}
	if a.Tools != nil {
		clone.Tools = make(map[string]bool, len(a.Tools))
		for k, v := range a.Tools {
			clone.Tools[k] = v
		}
	}
	if a.Options != nil {
		clone.Options = make(map[string]any, len(a.Options))
		for k, v := range a.Options {
			clone.Options[k] = v
		}
	}
	if a.Model != nil {
		ref := *a.Model
		clone.Model = &ref
	}
	if a.Temperature != nil {
		temp := *a.Temperature
		clone.Temperature = &temp
	}
	return &clone
}

// matchWildcard matches tool names against overlay patterns. Doublestar
// handles anything beyond the trivial prefix/suffix forms.
func matchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "?") {
		return pattern == s
	}
	if strings.Count(pattern, "*") == 1 && !strings.Contains(pattern, "?") {
		if strings.HasSuffix(pattern, "*") {
			return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
		}
		if strings.HasPrefix(pattern, "*") {
			return strings.HasSuffix(s, strings.TrimPrefix(pattern, "*"))
		}
	}
	matched, _ := doublestar.Match(pattern, s)
	return matched
}

// BuiltIn returns the default agents.
func BuiltIn() map[string]*Agent {
	return map[string]*Agent{
		"build": {
			Name:        "build",
			Description: "Primary agent for executing tasks, writing code, and making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: []types.PermissionRule{
				{Permission: "*", Pattern: "*", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "*", Action: types.ActionAsk},
			},
			Tools: map[string]bool{"*": true},
		},
		"plan": {
			Name:        "plan",
			Description: "Planning agent for analysis and exploration without making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: []types.PermissionRule{
				{Permission: "*", Pattern: "*", Action: types.ActionAsk},
				{Permission: "edit", Pattern: "*", Action: types.ActionDeny},
				{Permission: "bash", Pattern: "ls *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "cat *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "grep *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "rg *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "find *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "git diff *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "git log *", Action: types.ActionAllow},
				{Permission: "bash", Pattern: "git status *", Action: types.ActionAllow},
			},
			Tools: map[string]bool{
				"*":         true,
				"edit":      false,
				"write":     false,
				"todowrite": false,
			},
		},
		"general": {
			Name:        "general",
			Description: "General-purpose agent for researching complex questions and executing multi-step tasks",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			NoCascade:   true,
			Permission: []types.PermissionRule{
				{Permission: "*", Pattern: "*", Action: types.ActionAllow},
			},
			Tools: map[string]bool{
				"*":         true,
				"todoread":  false,
				"todowrite": false,
			},
		},
	}
}
