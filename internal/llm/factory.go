package llm

import (
	"fmt"
	"net/http"
	"strings"

	"codeassist/internal/config"
)

const (
	ProviderOllama    = "ollama"
	ProviderOllamaCLI = "ollama-cli"
	ProviderOpenAI    = "openai"
	ProviderYandex    = "yandex"
)

// Factory creates LLM clients with consistent logic
type Factory struct {
	OllamaBaseURL      string
	OllamaModel        string
	OllamaBinary       string
	OpenaiAPIKey       string
	OpenaiBaseURL      string
	OpenaiModel        string
	OpenRouterReferrer string
	OpenRouterTitle    string
	YandexOAuthToken   string
	YandexFolderID     string
	Temperature        float64
	HTTPClient         *http.Client
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		OllamaBaseURL:      cfg.OllamaBaseURL,
		OllamaModel:        cfg.OllamaModel,
		OllamaBinary:       cfg.OllamaBinary,
		OpenaiAPIKey:       cfg.OpenAIAPIKey,
		OpenaiBaseURL:      cfg.OpenAIBaseURL,
		OpenaiModel:        cfg.OpenAIModel,
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
		Temperature:        cfg.LLMTemperature,
		HTTPClient:         &http.Client{Timeout: cfg.LLMTimeout},
	}
}

// CreateClient builds the client for provider. An empty model selects the
// provider's configured default.
func (f *Factory) CreateClient(provider, model string) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderOllama:
		return NewOllama(f.OllamaBaseURL, orDefault(model, f.OllamaModel), f.Temperature, f.HTTPClient)
	case ProviderOllamaCLI:
		return NewOllamaCLI(f.OllamaBinary, orDefault(model, f.OllamaModel))
	case ProviderOpenAI:
		return NewOpenAI(f.OpenaiAPIKey, f.OpenaiBaseURL, orDefault(model, f.OpenaiModel), f.OpenRouterReferrer, f.OpenRouterTitle, float32(f.Temperature)), nil
	case ProviderYandex:
		return NewYandex(f.YandexOAuthToken, f.YandexFolderID)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
