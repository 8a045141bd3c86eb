// Package compat builds model.Runner instances for OpenAI-compatible
// endpoints: local Ollama servers and the OpenRouter aggregator. Both speak
// the Chat Completions wire protocol, so the runners delegate to the openai
// package pointed at a different base URL with their own model tables.
package compat

import (
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/flume/features/model/openai"
	"goa.design/flume/model"
)

// Provider names for registry conflict reports.
const (
	OllamaProviderName     = "ollama"
	OpenRouterProviderName = "openrouter"
)

// DefaultOllamaBaseURL is the local Ollama OpenAI-compatible endpoint.
const DefaultOllamaBaseURL = "http://localhost:11434/v1"

// OpenRouterBaseURL is the OpenRouter API endpoint.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOllama builds a runner for a local Ollama server. baseURL defaults to
// DefaultOllamaBaseURL; models lists the locally pulled models, typically
// with zero cost. Ollama ignores the API key, but the SDK requires one.
func NewOllama(baseURL string, models []model.ModelInfo) (*openai.Runner, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if len(models) == 0 {
		return nil, errors.New("ollama: at least one model is required")
	}
	client := sdk.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey("ollama"))
	return openai.NewWithConfig(OllamaProviderName, models, &client.Chat.Completions)
}

// NewOpenRouter builds a runner for the OpenRouter aggregator. Model names
// follow OpenRouter's vendor-prefixed convention (for example
// "deepseek/deepseek-chat").
func NewOpenRouter(apiKey string, models []model.ModelInfo) (*openai.Runner, error) {
	if apiKey == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	if len(models) == 0 {
		return nil, errors.New("openrouter: at least one model is required")
	}
	client := sdk.NewClient(option.WithBaseURL(OpenRouterBaseURL), option.WithAPIKey(apiKey))
	return openai.NewWithConfig(OpenRouterProviderName, models, &client.Chat.Completions)
}
