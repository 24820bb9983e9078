package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaClient talks to a local Ollama daemon over HTTP.
type OllamaClient struct {
	llm         llms.Model
	model       string
	temperature float64
}

func NewOllama(baseURL, model string, temperature float64, httpClient *http.Client) (*OllamaClient, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, ollama.WithHTTPClient(httpClient))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, upstream(ProviderOllama, fmt.Errorf("init ollama: %w", err))
	}
	return &OllamaClient{llm: llm, model: model, temperature: temperature}, nil
}

func (c *OllamaClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	resp, err := c.llm.GenerateContent(ctx, toMessageContent(messages), llms.WithTemperature(c.temperature))
	if err != nil {
		return Response{}, upstream(ProviderOllama, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, upstream(ProviderOllama, errors.New("empty response"))
	}
	choice := resp.Choices[0]
	out := Response{Content: choice.Content, Model: c.model}
	out.PromptTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	out.CompletionTokens = intInfo(choice.GenerationInfo, "CompletionTokens")
	out.TotalTokens = intInfo(choice.GenerationInfo, "TotalTokens")
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out, nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
