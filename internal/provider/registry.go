package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/kiln-ai/kiln/pkg/types"
)

// Registry resolves (providerID, modelID) pairs to language models.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	return p, ok
}

// Resolve returns the language model and catalog entry for a model
// reference. Unknown pairs yield ModelNotFound carrying up to five closest
// model IDs of the same provider.
func (r *Registry) Resolve(ctx context.Context, ref types.ModelRef) (LanguageModel, *types.Model, error) {
	p, ok := r.Get(ref.ProviderID)
	if !ok {
		return nil, nil, types.NewModelNotFoundError(ref.ProviderID, ref.ModelID, nil)
	}

	catalog := findModel(p.Models(), ref.ModelID)
	if catalog == nil {
		return nil, nil, types.NewModelNotFoundError(ref.ProviderID, ref.ModelID, Suggest(p.Models(), ref.ModelID, 5))
	}

	lm, err := p.Model(ctx, ref.ModelID)
	if err != nil {
		return nil, nil, err
	}
	return lm, catalog, nil
}

// AllModels returns the catalogs of every registered provider.
func (r *Registry) AllModels() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var models []types.Model
	for _, p := range r.providers {
		models = append(models, p.Models()...)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].ProviderID != models[j].ProviderID {
			return models[i].ProviderID < models[j].ProviderID
		}
		return models[i].ID < models[j].ID
	})
	return models
}

// Suggest returns the model IDs closest to the requested one by edit
// distance, nearest first.
func Suggest(models []types.Model, modelID string, limit int) []string {
	type scored struct {
		id       string
		distance int
	}
	candidates := make([]scored, 0, len(models))
	for _, m := range models {
		candidates = append(candidates, scored{
			id:       m.ID,
			distance: levenshtein.ComputeDistance(strings.ToLower(modelID), strings.ToLower(m.ID)),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].id < candidates[j].id
	})

	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]string, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.id)
	}
	return out
}
