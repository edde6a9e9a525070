package llmoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxEstimatedRequestTokens is the size guard from §4.2: requests whose
// estimated token count (chars/4 heuristic) exceeds this are rejected
// before anything is sent.
const maxEstimatedRequestTokens = 100_000

var validate = validator.New()

var (
	trailingCommaBeforeBrace = regexp.MustCompile(`,\s*}`)
	trailingCommaBeforeBracket = regexp.MustCompile(`,\s*]`)
)

// Oracle is the C3 LLM oracle adapter: a schema-validated, self-correcting
// chat-completion caller sitting on top of a Transport.
type Oracle struct {
	transport Transport
}

// New builds an Oracle over the given transport.
func New(transport Transport) *Oracle {
	return &Oracle{transport: transport}
}

// CallOptions parameterizes one schema-validated call.
type CallOptions struct {
	Model            string
	SystemPrompt     string
	MaxTokens        int
	StopSequences    []string
	WebSearchEnabled bool

	// MaxRetries is the number of additional attempts after the first
	// (default 2, so 3 total). Zero means "use the default".
	MaxRetries int

	// Prefill is the assistant-turn prefix appended to force JSON-leading
	// output (default "{"). An explicit empty string disables prefill.
	Prefill *string
}

func (o CallOptions) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return 2
}

func (o CallOptions) prefill() string {
	if o.Prefill != nil {
		return *o.Prefill
	}
	return "{"
}

// Call performs a schema-validated chat completion: it appends a prefill,
// strips markdown fences, repairs trailing commas, parses and validates the
// result against T, and on failure appends the faulty reply plus the
// validator's error text to the conversation and retries — conversational
// self-correction, not blind retry (§4.2).
func Call[T any](ctx context.Context, o *Oracle, messages []Message, opts CallOptions) (result T, rawText string, usage Usage, err error) {
	if estimatedTokens(opts.SystemPrompt, messages) > maxEstimatedRequestTokens {
		return result, "", Usage{}, ErrRequestTooLarge
	}

	prefill := opts.prefill()
	maxRetries := opts.maxRetries()
	conversation := append([]Message(nil), messages...)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		callMessages := conversation
		if prefill != "" {
			callMessages = append(append([]Message(nil), conversation...), Message{Role: "assistant", Content: prefill})
		}

		resp, callErr := o.transport.CreateCompletion(ctx, CompletionRequest{
			Model:            opts.Model,
			SystemPrompt:     opts.SystemPrompt,
			Messages:         callMessages,
			MaxTokens:        opts.MaxTokens,
			StopSequences:    opts.StopSequences,
			WebSearchEnabled: opts.WebSearchEnabled,
		})
		if callErr != nil {
			return result, "", Usage{}, callErr
		}

		raw := strings.TrimSpace(resp.Text)
		jsonStr := prefill + raw
		jsonStr = stripMarkdownJSON(jsonStr)
		jsonStr = fixTrailingCommas(jsonStr)

		var parsed T
		decodeErr := json.Unmarshal([]byte(jsonStr), &parsed)
		var validationErr error
		if decodeErr == nil {
			validationErr = validate.Struct(parsed)
		}

		if decodeErr == nil && validationErr == nil {
			return parsed, raw, resp.Usage, nil
		}

		schemaErr := decodeErr
		if schemaErr == nil {
			schemaErr = validationErr
		}

		if attempt < maxRetries {
			conversation = append(conversation,
				Message{Role: "assistant", Content: prefill + raw},
				Message{Role: "user", Content: fmt.Sprintf(
					"Your response had a schema error:\n%s\n\nPlease fix and return valid JSON matching the required schema.",
					schemaErr)},
			)
			continue
		}

		return result, raw, resp.Usage, fmt.Errorf("%w: %v", ErrSchemaValidation, schemaErr)
	}

	return result, "", Usage{}, fmt.Errorf("%w: exhausted retries", ErrSchemaValidation)
}

func stripMarkdownJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return text
}

func fixTrailingCommas(text string) string {
	text = trailingCommaBeforeBrace.ReplaceAllString(text, "}")
	text = trailingCommaBeforeBracket.ReplaceAllString(text, "]")
	return text
}

// estimatedTokens is the chars/4 heuristic from §4.2.
func estimatedTokens(systemPrompt string, messages []Message) int {
	chars := len(systemPrompt)
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
