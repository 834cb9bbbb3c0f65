// Package resolve maps provider-agnostic model configuration to concrete
// chat providers, so the rest of the system never names a vendor.
package resolve

import (
	"fmt"

	openswe "github.com/openswe/openswe"
	"github.com/openswe/openswe/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil = provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Provider creates an openswe.Provider from a provider-agnostic Config,
// wrapped with transient-error retry.
func Provider(cfg Config) (openswe.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}

	p := openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
	return openswe.WithRetry(p), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
