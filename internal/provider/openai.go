package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"

	"github.com/kiln-ai/kiln/pkg/types"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI serves GPT models through the eino openai component.
type OpenAI struct {
	config OpenAIConfig
	models []types.Model

	mu    sync.Mutex
	cache map[string]LanguageModel
}

// NewOpenAI creates the provider. The API key falls back to OPENAI_API_KEY.
func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.APIKey == "" {
		return nil, types.NewProviderAuthError("openai", "OPENAI_API_KEY not set")
	}
	return &OpenAI{
		config: config,
		models: openAIModels(),
		cache:  make(map[string]LanguageModel),
	}, nil
}

func (p *OpenAI) ID() string   { return "openai" }
func (p *OpenAI) Name() string { return "OpenAI" }

func (p *OpenAI) Models() []types.Model { return p.models }

func (p *OpenAI) Model(ctx context.Context, modelID string) (LanguageModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lm, ok := p.cache[modelID]; ok {
		return lm, nil
	}

	catalog := findModel(p.models, modelID)
	if catalog == nil {
		return nil, fmt.Errorf("openai: unknown model %q", modelID)
	}

	maxTokens := catalog.MaxOutputTokens
	cfg := &openai.ChatModelConfig{
		APIKey:              p.config.APIKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if p.config.BaseURL != "" {
		cfg.BaseURL = p.config.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("openai: create chat model: %w", err)
	}

	lm := &einoModel{chat: chatModel, maxTokens: maxTokens}
	p.cache[modelID] = lm
	return lm, nil
}

// withSystem prepends system prompt segments as one system message.
func withSystem(system []string, messages []*schema.Message) []*schema.Message {
	var segments []string
	for _, s := range system {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return messages
	}
	out := make([]*schema.Message, 0, len(messages)+1)
	out = append(out, schema.SystemMessage(strings.Join(segments, "\n")))
	return append(out, messages...)
}

func openAIModels() []types.Model {
	return []types.Model{
		{
			ID:                "gpt-5",
			Name:              "GPT-5",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			Cost:              types.ModelCost{Input: 1.25, Output: 10.0, CacheRead: 0.125},
		},
		{
			ID:                "gpt-5-mini",
			Name:              "GPT-5 Mini",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			Cost:              types.ModelCost{Input: 0.25, Output: 2.0, CacheRead: 0.025},
		},
		{
			ID:              "gpt-4o",
			Name:            "GPT-4o",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			Cost:            types.ModelCost{Input: 2.5, Output: 10.0, CacheRead: 1.25},
		},
		{
			ID:              "gpt-4o-mini",
			Name:            "GPT-4o Mini",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			Cost:            types.ModelCost{Input: 0.15, Output: 0.6, CacheRead: 0.075},
		},
		{
			ID:                "o1",
			Name:              "O1",
			ProviderID:        "openai",
			ContextLength:     200000,
			MaxOutputTokens:   100000,
			SupportsTools:     true,
			SupportsReasoning: true,
			Cost:              types.ModelCost{Input: 15.0, Output: 60.0, CacheRead: 7.5},
		},
	}
}
