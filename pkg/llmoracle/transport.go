package llmoracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Message is one turn in a chat-completion conversation.
type Message struct {
	Role    string
	Content string
}

// Usage is the token accounting returned alongside every completion,
// consumed by the usage accountant (§4.8).
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// CompletionRequest is transport-agnostic input to a single chat-completion
// call. The system prompt carries no cacheable-prefix marker: OpenAITransport
// sends it as a plain system message, and it also ignores WebSearchEnabled
// (no web-search tool is declared).
type CompletionRequest struct {
	Model            string
	SystemPrompt     string
	Messages         []Message
	MaxTokens        int
	StopSequences    []string
	WebSearchEnabled bool
}

// CompletionResponse is the transport-agnostic result of a completion call.
type CompletionResponse struct {
	Text  string
	Usage Usage
}

// Transport is the interface the schema-retry loop in Call depends on — the
// adapter itself never touches an SDK type directly, so the transport can
// be swapped (a different provider, a fake for tests) without touching the
// retry loop (§4.2).
type Transport interface {
	CreateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// OpenAITransport is a Transport backed by an OpenAI-compatible
// chat-completion endpoint.
type OpenAITransport struct {
	client *openai.Client
}

// NewOpenAITransport builds a transport against apiKey/baseURL. An empty
// baseURL uses the SDK's default (api.openai.com).
func NewOpenAITransport(apiKey, baseURL string) *OpenAITransport {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAITransport{client: openai.NewClientWithConfig(cfg)}
}

func (t *OpenAITransport) CreateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.StopSequences,
	}

	resp, err := t.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return CompletionResponse{}, mapTransportError(err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: empty choices in response", ErrServiceUnavailable)
	}

	cached := 0
	if resp.Usage.PromptTokensDetails != nil {
		cached = resp.Usage.PromptTokensDetails.CachedTokens
	}

	return CompletionResponse{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CachedTokens: cached,
		},
	}, nil
}

// mapTransportError classifies an SDK-level error per §4.2: connection
// errors and 5xx become ErrServiceUnavailable (the caller's retry wrapper
// backs off and retries), 429 becomes ErrRateLimit, other 4xx are permanent
// validation-class failures surfaced as-is.
func mapTransportError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, apiErr.Message)
		default:
			return fmt.Errorf("llmoracle: request rejected: %s", apiErr.Message)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, reqErr.Err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
