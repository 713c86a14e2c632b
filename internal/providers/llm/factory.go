package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/visual-orchestrator/internal/config"
)

// New returns a Client for the configured provider. The "rules" provider has
// no language model behind it and yields (nil, nil).
func New(ctx context.Context, cfg config.ClassifierConfig) (Client, error) {
	prov := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if prov != "rules" && prov != "" && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("classifier provider %s requires an api key", prov)
	}
	switch prov {
	case "", "rules":
		return nil, nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, modelOr(cfg.Model, "gpt-4o-mini"), strings.TrimRight(cfg.BaseURL, "/"), cfg.Timeout), nil
	case "anthropic":
		return &AnthropicClient{APIKey: cfg.APIKey, Model: modelOr(cfg.Model, "claude-3-5-haiku-latest"), URL: cfg.BaseURL, Timeout: cfg.Timeout}, nil
	case "gemini":
		g, err := NewGeminiClient(ctx, cfg.APIKey, modelOr(cfg.Model, "gemini-1.5-flash"))
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
}

func modelOr(model, def string) string {
	if v := strings.TrimSpace(model); v != "" {
		return v
	}
	return def
}
