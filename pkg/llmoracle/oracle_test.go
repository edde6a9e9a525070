package llmoracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	responses []CompletionResponse
	errs      []error
	calls     int
}

func (f *fakeTransport) CreateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return CompletionResponse{}, f.errs[idx]
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

type testResult struct {
	Name string `json:"name" validate:"required"`
}

func TestCall_SucceedsFirstTry(t *testing.T) {
	transport := &fakeTransport{responses: []CompletionResponse{
		{Text: `"name": "garlic"}`, Usage: Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	o := New(transport)

	result, _, usage, err := Call[testResult](context.Background(), o, nil, CallOptions{Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "garlic", result.Name)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 1, transport.calls)
}

func TestCall_RetriesOnSchemaErrorThenSucceeds(t *testing.T) {
	transport := &fakeTransport{responses: []CompletionResponse{
		{Text: `"name": }`},          // malformed JSON
		{Text: `"name": "onion"}`},  // valid on retry
	}}
	o := New(transport)

	result, _, _, err := Call[testResult](context.Background(), o, nil, CallOptions{Model: "gpt-test"})
	require.NoError(t, err)
	assert.Equal(t, "onion", result.Name)
	assert.Equal(t, 2, transport.calls)
}

func TestCall_ExhaustsRetriesReturnsSchemaError(t *testing.T) {
	transport := &fakeTransport{responses: []CompletionResponse{
		{Text: `"name": }`},
	}}
	o := New(transport)

	_, _, _, err := Call[testResult](context.Background(), o, nil, CallOptions{Model: "gpt-test", MaxRetries: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaValidation)
	assert.Equal(t, 2, transport.calls)
}

func TestCall_TransportErrorIsNotRetried(t *testing.T) {
	wantErr := ErrServiceUnavailable
	transport := &fakeTransport{errs: []error{wantErr}}
	o := New(transport)

	_, _, _, err := Call[testResult](context.Background(), o, nil, CallOptions{Model: "gpt-test"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wantErr))
	assert.Equal(t, 1, transport.calls)
}

func TestCall_RequestTooLargeRejectedBeforeTransport(t *testing.T) {
	transport := &fakeTransport{}
	o := New(transport)

	huge := make([]byte, maxEstimatedRequestTokens*5)
	for i := range huge {
		huge[i] = 'a'
	}

	_, _, _, err := Call[testResult](context.Background(), o, []Message{{Role: "user", Content: string(huge)}}, CallOptions{Model: "gpt-test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	assert.Equal(t, 0, transport.calls)
}

func TestStripMarkdownJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
	}
	for input, want := range cases {
		assert.Equal(t, want, stripMarkdownJSON(input))
	}
}

func TestFixTrailingCommas(t *testing.T) {
	assert.Equal(t, `{"a":1}`, fixTrailingCommas(`{"a":1,}`))
	assert.Equal(t, `[1,2]`, fixTrailingCommas(`[1,2,]`))
}
