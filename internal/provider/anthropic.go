package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"

	"github.com/kiln-ai/kiln/pkg/types"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// Anthropic serves Claude models through the eino claude component.
type Anthropic struct {
	config AnthropicConfig
	models []types.Model

	mu    sync.Mutex
	cache map[string]LanguageModel
}

// NewAnthropic creates the provider. The API key falls back to
// ANTHROPIC_API_KEY.
func NewAnthropic(config AnthropicConfig) (*Anthropic, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.APIKey == "" {
		return nil, types.NewProviderAuthError("anthropic", "ANTHROPIC_API_KEY not set")
	}
	return &Anthropic{
		config: config,
		models: anthropicModels(),
		cache:  make(map[string]LanguageModel),
	}, nil
}

func (p *Anthropic) ID() string   { return "anthropic" }
func (p *Anthropic) Name() string { return "Anthropic" }

func (p *Anthropic) Models() []types.Model { return p.models }

// Model returns the language model for one catalog entry, constructing the
// underlying chat model on first use.
func (p *Anthropic) Model(ctx context.Context, modelID string) (LanguageModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lm, ok := p.cache[modelID]; ok {
		return lm, nil
	}

	catalog := findModel(p.models, modelID)
	if catalog == nil {
		return nil, fmt.Errorf("anthropic: unknown model %q", modelID)
	}

	cfg := &claude.Config{
		APIKey:    p.config.APIKey,
		Model:     modelID,
		MaxTokens: catalog.MaxOutputTokens,
	}
	if p.config.BaseURL != "" {
		cfg.BaseURL = &p.config.BaseURL
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create chat model: %w", err)
	}

	lm := &einoModel{chat: chatModel, maxTokens: catalog.MaxOutputTokens}
	p.cache[modelID] = lm
	return lm, nil
}

func findModel(models []types.Model, modelID string) *types.Model {
	for i := range models {
		if models[i].ID == modelID {
			return &models[i]
		}
	}
	return nil
}

// einoModel adapts an eino tool-calling chat model to the event stream.
type einoModel struct {
	chat      model.ToolCallingChatModel
	maxTokens int
}

func (m *einoModel) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	chat := m.chat
	if len(req.Tools) > 0 {
		bound, err := chat.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chat = bound
	}

	messages := withSystem(req.System, req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = m.maxTokens
	}
	opts := []model.Option{model.WithMaxTokens(maxTokens)}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*req.Temperature)))
	}

	reader, err := chat.Stream(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return relay(ctx, reader), nil
}

func anthropicModels() []types.Model {
	return []types.Model{
		{
			ID:                "claude-sonnet-4-20250514",
			Name:              "Claude Sonnet 4",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   64000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			Cost:              types.ModelCost{Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
			Options:           types.ModelOptions{PromptCaching: true, ExtendedOutput: true},
		},
		{
			ID:                "claude-opus-4-20250514",
			Name:              "Claude Opus 4",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   32000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			Cost:              types.ModelCost{Input: 15.0, Output: 75.0, CacheRead: 1.5, CacheWrite: 18.75},
			Options:           types.ModelOptions{PromptCaching: true},
		},
		{
			ID:              "claude-3-5-sonnet-20241022",
			Name:            "Claude 3.5 Sonnet",
			ProviderID:      "anthropic",
			ContextLength:   200000,
			MaxOutputTokens: 8192,
			SupportsTools:   true,
			SupportsVision:  true,
			Cost:            types.ModelCost{Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
			Options:         types.ModelOptions{PromptCaching: true},
		},
		{
			ID:              "claude-3-5-haiku-20241022",
			Name:            "Claude 3.5 Haiku",
			ProviderID:      "anthropic",
			ContextLength:   200000,
			MaxOutputTokens: 8192,
			SupportsTools:   true,
			SupportsVision:  true,
			Cost:            types.ModelCost{Input: 0.8, Output: 4.0, CacheRead: 0.08, CacheWrite: 1.0},
		},
	}
}
