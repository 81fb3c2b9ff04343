package cmd

import (
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
)

// buildProviderRegistry registers every provider with an API key configured.
// OpenAI-compatible providers share one client parameterized by base URL.
func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	p := cfg.Providers

	if p.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{}
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		reg.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...))
	}

	type compat struct {
		name         string
		cfg          config.ProviderConfig
		defaultBase  string
		defaultModel string
	}
	for _, c := range []compat{
		{"openai", p.OpenAI, "https://api.openai.com/v1", "gpt-4o-mini"},
		{"openrouter", p.OpenRouter, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4"},
		{"groq", p.Groq, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
		{"gemini", p.Gemini, "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash"},
		{"deepseek", p.DeepSeek, "https://api.deepseek.com/v1", "deepseek-chat"},
		{"mistral", p.Mistral, "https://api.mistral.ai/v1", "mistral-large-latest"},
		{"xai", p.XAI, "https://api.x.ai/v1", "grok-3-mini"},
		{"minimax", p.MiniMax, "https://api.minimax.io/v1", "MiniMax-M1"},
		{"cohere", p.Cohere, "https://api.cohere.ai/compatibility/v1", "command-a-03-2025"},
		{"perplexity", p.Perplexity, "https://api.perplexity.ai", "sonar"},
	} {
		if c.cfg.APIKey == "" {
			continue
		}
		base := c.cfg.APIBase
		if base == "" {
			base = c.defaultBase
		}
		reg.Register(providers.NewOpenAIProvider(c.name, c.cfg.APIKey, base, c.defaultModel))
	}

	return reg
}
