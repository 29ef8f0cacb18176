package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/chatd/internal/chat"
	openai "github.com/sashabaranov/go-openai"
)

// Turn is one entry of the conversation passed to the completion service.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer turns a conversation into a reply.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// HTTPCompleter calls the chat completions API of an OpenAI-compatible
// service.
type HTTPCompleter struct {
	client *openai.Client
	model  string
}

// NewHTTPCompleter creates a completer for the API rooted at baseURL.
// Deadlines come from the context passed to Complete.
func NewHTTPCompleter(baseURL, apiKey, model string) *HTTPCompleter {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return &HTTPCompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, turns []Turn) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		msgs[i] = openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: status %d: %s", chat.ErrAgent, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("%w: %v", chat.ErrAgent, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", chat.ErrAgent)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Unavailable is the completer used when no endpoint is configured.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, []Turn) (string, error) {
	return "", errors.Join(chat.ErrAgent, errors.New("no completion endpoint configured"))
}
