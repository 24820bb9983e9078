package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// AsModel exposes a Client as a langchaingo model so chains and agents can
// drive it. Stop words are applied to the reply text.
func AsModel(c Client) llms.Model {
	return &model{client: c}
}

type model struct {
	client Client
}

var _ llms.Model = (*model)(nil)

func (m *model) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	msgs := make([]Message, 0, len(messages))
	for _, mc := range messages {
		var text []string
		for _, p := range mc.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				text = append(text, tc.Text)
			}
		}
		msgs = append(msgs, Message{Role: fromChatType(mc.Role), Content: strings.Join(text, "\n")})
	}
	if len(msgs) == 0 {
		return nil, errors.New("no messages")
	}

	resp, err := m.client.Generate(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content: cutAtStop(resp.Content, opts.StopWords),
			GenerationInfo: map[string]any{
				"PromptTokens":     resp.PromptTokens,
				"CompletionTokens": resp.CompletionTokens,
				"TotalTokens":      resp.TotalTokens,
			},
		}},
	}, nil
}

func (m *model) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func fromChatType(t llms.ChatMessageType) string {
	switch t {
	case llms.ChatMessageTypeSystem:
		return RoleSystem
	case llms.ChatMessageTypeAI:
		return RoleAssistant
	default:
		return RoleUser
	}
}

func cutAtStop(s string, stops []string) string {
	cut := len(s)
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(s, stop); i >= 0 && i < cut {
			cut = i
		}
	}
	return s[:cut]
}
