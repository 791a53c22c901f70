package config

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewModel builds the language model the bridge engine judges pairs with.
// It returns nil without error when no provider is configured.
func NewModel(cfg LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil

	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("openai api key required")
		}
		model, err := openai.New(openAIOptions(cfg, openai.WithModel(cfg.Model))...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic api key required")
		}
		model, err := anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// NewEmbedder builds the chunk embedder. It returns nil without error when
// no provider or embed model is configured, leaving hashed vectors in use.
func NewEmbedder(cfg LLMConfig) (embeddings.Embedder, error) {
	if cfg.EmbedModel == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil

	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.EmbedModel)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return newEmbedder(client)

	case ProviderOpenAI:
		client, err := openai.New(openAIOptions(cfg, openai.WithEmbeddingModel(cfg.EmbedModel))...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return newEmbedder(client)

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

func newEmbedder(client embeddings.EmbedderClient) (embeddings.Embedder, error) {
	e, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return e, nil
}

// openAIOptions targets an OpenAI-compatible endpoint. Local services that
// need no token get "none".
func openAIOptions(cfg LLMConfig, extra ...openai.Option) []openai.Option {
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return append(opts, extra...)
}
