package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"airelay/internal/config"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
)

var defaultModels = map[string]string{
	ProviderOpenAI: "gpt-4o-mini",
	ProviderClaude: "claude-3-5-haiku-latest",
}

// ChatModelFactory builds a chat model for one model name.
type ChatModelFactory func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error)

// newGenaiClient creates the gemini API client shared by chat models,
// model discovery and the vision classifier.
func newGenaiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// NewChatModelFactory returns a factory for the configured provider. client
// is only used by gemini and may be nil for the other providers.
func NewChatModelFactory(cfg config.AnalyzerConfig, client *genai.Client) (ChatModelFactory, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderOpenAI:
		return func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
			return openai.NewChatModel(ctx, &openai.ChatModelConfig{
				BaseURL: cfg.BaseURL,
				Model:   modelName,
				APIKey:  cfg.APIKey,
			})
		}, nil
	case ProviderGemini:
		if client == nil {
			return nil, fmt.Errorf("gemini provider requires a client")
		}
		return func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
			return gemini.NewChatModel(ctx, &gemini.Config{
				Client: client,
				Model:  modelName,
			})
		}, nil
	case ProviderClaude:
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURL := cfg.BaseURL
			baseURLPtr = &baseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 3000
		}
		return func(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
			return claude.NewChatModel(ctx, &claude.Config{
				APIKey:    cfg.APIKey,
				Model:     modelName,
				BaseURL:   baseURLPtr,
				MaxTokens: maxTokens,
			})
		}, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}
