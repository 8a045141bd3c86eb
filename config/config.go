// Package config loads process configuration for flume applications from a
// YAML file and environment variables. Configuration is read once at startup
// and treated as read-only thereafter; log verbosity in particular is fixed
// at process start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration document.
	Config struct {
		// Log controls structured logging output.
		Log Log `yaml:"log"`
		// Providers configures the model provider backends.
		Providers Providers `yaml:"providers"`
		// Run tunes thread retry and loop behavior.
		Run Run `yaml:"run"`
	}

	// Log controls logging format and verbosity.
	Log struct {
		// Format is "text" or "json". Defaults to text on terminals.
		Format string `yaml:"format"`
		// Debug enables debug-level output.
		Debug bool `yaml:"debug"`
	}

	// Providers configures provider credentials and endpoints. API keys may
	// be set here or through the conventional environment variables.
	Providers struct {
		Anthropic  APIProvider `yaml:"anthropic"`
		OpenAI     APIProvider `yaml:"openai"`
		OpenRouter APIProvider `yaml:"openrouter"`
		Ollama     Ollama      `yaml:"ollama"`
		Bedrock    Bedrock     `yaml:"bedrock"`
	}

	// APIProvider is a key-authenticated hosted provider.
	APIProvider struct {
		// Enabled registers the provider. Defaults to true when an API key
		// is available.
		Enabled *bool `yaml:"enabled"`
		// APIKey overrides the environment variable.
		APIKey string `yaml:"api_key"`
	}

	// Ollama configures a local OpenAI-compatible server.
	Ollama struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		// Models lists the locally pulled model names to register.
		Models []string `yaml:"models"`
	}

	// Bedrock configures the AWS Bedrock runtime.
	Bedrock struct {
		Enabled bool   `yaml:"enabled"`
		Region  string `yaml:"region"`
	}

	// Run tunes thread behavior.
	Run struct {
		// MaxRetries bounds the shared rate-limit/connection retry budget.
		MaxRetries int `yaml:"max_retries"`
		// ConnectionRetryDelay is the pause before retrying a transient
		// connection failure.
		ConnectionRetryDelay time.Duration `yaml:"connection_retry_delay"`
		// MaxIterations bounds the tool-use loop.
		MaxIterations int `yaml:"max_iterations"`
		// MaxTokens caps completion length. Zero uses provider defaults.
		MaxTokens int `yaml:"max_tokens"`
	}
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: Log{Format: "text"},
		Providers: Providers{
			Anthropic:  APIProvider{APIKey: os.Getenv("ANTHROPIC_API_KEY")},
			OpenAI:     APIProvider{APIKey: os.Getenv("OPENAI_API_KEY")},
			OpenRouter: APIProvider{APIKey: os.Getenv("OPENROUTER_API_KEY")},
		},
	}
}

// Load reads the YAML file at path, layered over Default. A missing file is
// not an error: the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries must be >= 0, got %d", c.Run.MaxRetries)
	}
	if c.Run.MaxIterations < 0 {
		return fmt.Errorf("run.max_iterations must be >= 0, got %d", c.Run.MaxIterations)
	}
	if c.Providers.Ollama.Enabled && len(c.Providers.Ollama.Models) == 0 {
		return fmt.Errorf("providers.ollama.models must list at least one model when enabled")
	}
	return nil
}

// AnthropicEnabled reports whether the Anthropic provider should register.
func (p Providers) AnthropicEnabled() bool { return p.Anthropic.enabled() }

// OpenAIEnabled reports whether the OpenAI provider should register.
func (p Providers) OpenAIEnabled() bool { return p.OpenAI.enabled() }

// OpenRouterEnabled reports whether the OpenRouter provider should register.
func (p Providers) OpenRouterEnabled() bool { return p.OpenRouter.enabled() }

func (a APIProvider) enabled() bool {
	if a.Enabled != nil {
		return *a.Enabled
	}
	return a.APIKey != ""
}
