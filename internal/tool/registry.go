package tool

import (
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// Registry is the fixed tool catalog, augmentable at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same ID.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID()] = t
}

// Get retrieves a tool by ID.
func (r *Registry) Get(toolID string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	return t, ok
}

// Resolve finds a tool by ID, repairing case-only mismatches. The returned
// name is the canonical ID.
func (r *Registry) Resolve(toolID string) (Tool, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[toolID]; ok {
		return t, toolID, true
	}
	lowered := strings.ToLower(toolID)
	if t, ok := r.tools[lowered]; ok {
		return t, lowered, true
	}
	return nil, "", false
}

// ForModel returns the tools available to a model, sorted by ID. Tools
// exposing a ModelFilter may exclude themselves.
func (r *Registry) ForModel(modelID string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if f, ok := t.(ModelFilter); ok && !f.SupportsModel(modelID) {
			continue
		}
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID() < tools[j].ID() })
	return tools
}

// Infos converts tools to adapter tool descriptions.
func Infos(tools []Tool) []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, Info(t))
	}
	return infos
}
