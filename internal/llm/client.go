package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client sends a conversation to a model and returns its reply. Errors are
// *UpstreamError.
type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}
