package llmoracle

import "errors"

// Sentinel errors the schema-retry loop and transport mapping return.
// The HTTP layer maps ErrRateLimit and ErrServiceUnavailable to status
// codes; the queue worker does not unwrap them and retries every failed
// task alike.
var (
	// ErrServiceUnavailable marks a transient transport failure (connection
	// error or HTTP 5xx) — the caller's retry wrapper should back off and
	// try again.
	ErrServiceUnavailable = errors.New("llmoracle: service unavailable")

	// ErrRateLimit marks an HTTP 429 from the provider.
	ErrRateLimit = errors.New("llmoracle: rate limited")

	// ErrSchemaValidation marks a response that failed schema validation on
	// every allowed attempt.
	ErrSchemaValidation = errors.New("llmoracle: response failed schema validation")

	// ErrRequestTooLarge marks a request whose estimated token count exceeds
	// the size guard before anything is sent.
	ErrRequestTooLarge = errors.New("llmoracle: request exceeds size guard")
)
