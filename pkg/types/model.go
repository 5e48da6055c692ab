package types

// Model describes one language model offered by a provider.
type Model struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	ProviderID        string       `json:"providerID"`
	ContextLength     int          `json:"contextLength"`
	MaxOutputTokens   int          `json:"maxOutputTokens"`
	SupportsTools     bool         `json:"supportsTools"`
	SupportsReasoning bool         `json:"supportsReasoning"`
	SupportsVision    bool         `json:"supportsVision"`
	Cost              ModelCost    `json:"cost"`
	Options           ModelOptions `json:"options"`
}

// ModelCost holds USD-per-million-token rates.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// ModelOptions flags provider-specific capabilities.
type ModelOptions struct {
	PromptCaching  bool `json:"promptCaching,omitempty"`
	ExtendedOutput bool `json:"extendedOutput,omitempty"`
}

// Price returns the cost in currency units for the given usage.
// Reasoning tokens bill at the output rate; rates are per million.
func (c ModelCost) Price(u TokenUsage) float64 {
	total := float64(u.Input)*c.Input +
		float64(u.Output)*c.Output +
		float64(u.Reasoning)*c.Output +
		float64(u.Cache.Read)*c.CacheRead +
		float64(u.Cache.Write)*c.CacheWrite
	return total / 1_000_000
}
