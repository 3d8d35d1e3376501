package ai

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures a ChatModel.
type ProviderConfig struct {
	Provider     string
	BaseURL      string
	APIKey       string
	Model        string
	ModelAliases map[string]string
}

// NewChatModel builds the configured provider. When Model is set every
// request runs on it unless ModelAliases maps the requested name explicitly.
func NewChatModel(cfg ProviderConfig) (ChatModel, error) {
	var model ChatModel
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "openai-compat", "openai_compat":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		model = NewOpenAICompatModel(cfg.BaseURL, cfg.APIKey)
	case "ollama":
		model = NewOllamaClient(cfg.BaseURL)
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		model = client
	case "langchain":
		client, err := NewLangChainOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		model = client
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", cfg.Provider)
	}
	if len(cfg.ModelAliases) == 0 && strings.TrimSpace(cfg.Model) == "" {
		return model, nil
	}
	return WithModelAliases(model, cfg.ModelAliases, cfg.Model), nil
}
