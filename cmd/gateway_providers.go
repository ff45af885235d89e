package cmd

import (
	"fmt"
	"strings"

	"github.com/samuelwildary2025/novo-agente/internal/config"
	"github.com/samuelwildary2025/novo-agente/internal/providers"
)

type providerPreset struct {
	apiBase string
	model   string
}

// OpenAI-compatible endpoints selectable by name.
var providerPresets = map[string]providerPreset{
	"openai":     {"https://api.openai.com/v1", "gpt-4o-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "openai/gpt-4o-mini"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"gemini":     {"https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash"},
	"mistral":    {"https://api.mistral.ai/v1", "mistral-large-latest"},
	"xai":        {"https://api.x.ai/v1", "grok-3-mini"},
}

// newProvider builds the LLM provider from the agent section. Unknown names
// require api_base (any OpenAI-compatible server, e.g. vLLM or Ollama).
func newProvider(cfg config.AgentConfig) (providers.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "openai"
	}

	preset, known := providerPresets[name]
	apiBase := cfg.APIBase
	if apiBase == "" {
		if !known {
			return nil, fmt.Errorf("provider %q: api_base is required", name)
		}
		apiBase = preset.apiBase
	}
	model := cfg.Model
	if model == "" {
		model = preset.model
	}
	if model == "" {
		return nil, fmt.Errorf("provider %q: model is required", name)
	}
	if cfg.APIKey == "" && known {
		return nil, fmt.Errorf("provider %q: api key is not set (NOVO_API_KEY)", name)
	}

	return providers.NewOpenAIProvider(name, cfg.APIKey, apiBase, model), nil
}
