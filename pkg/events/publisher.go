package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// Publisher publishes diagnosis pipeline events to a run's NOTIFY channel.
// Durability lives in pkg/store, not here: every publish in this package is
// NOTIFY-only (no events table), issued after the caller has already
// persisted the row the event describes (§4.5's "rollback must precede
// event emission so no result event ever points to an unpersisted row").
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a new Publisher.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishProgress publishes a progress event on runID's channel.
func (p *Publisher) PublishProgress(ctx context.Context, runID int64, payload ProgressPayload) error {
	return p.publish(ctx, runID, EventTypeProgress, payload)
}

// PublishResult publishes a result event carrying the full persisted
// DiagnosisResult.
func (p *Publisher) PublishResult(ctx context.Context, runID int64, result domain.DiagnosisResult) error {
	return p.publish(ctx, runID, EventTypeResult, ResultPayload{DiagnosisResult: result})
}

// PublishDiscounted publishes a discounted event carrying the full
// persisted DiscountedIngredient.
func (p *Publisher) PublishDiscounted(ctx context.Context, runID int64, discounted domain.DiscountedIngredient) error {
	return p.publish(ctx, runID, EventTypeDiscounted, DiscountedPayload{DiscountedIngredient: discounted})
}

// PublishComplete publishes the terminal complete event for a run. Callers
// must guarantee this fires at most once per run (§3's invariant) — both
// the per-worker completion check and the finalizer backstop in
// pkg/diagnosis gate on an atomic status transition before calling this.
func (p *Publisher) PublishComplete(ctx context.Context, runID int64, totalResults int) error {
	return p.publish(ctx, runID, EventTypeComplete, CompletePayload{RunID: runID, TotalResults: totalResults})
}

// PublishError publishes an error event, used both for a single
// ingredient's transport failure message and for fatal run-level errors.
func (p *Publisher) PublishError(ctx context.Context, runID int64, message string) error {
	return p.publish(ctx, runID, EventTypeError, ErrorPayload{Message: message})
}

func (p *Publisher) publish(ctx context.Context, runID int64, eventType string, data any) error {
	payload, err := json.Marshal(Envelope{Event: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	notifyPayload, err := truncateIfNeeded(eventType, runID, payload)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(runID), notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify on %s: %w", RunChannel(runID), err)
	}
	return nil
}

// truncateIfNeeded returns payload as-is if it fits within Postgres's
// 8000-byte NOTIFY limit, otherwise a minimal reference envelope the
// client resolves via the status/result endpoints (§4.6) — large result/
// discounted payloads (long citation lists) must still reach the
// subscriber in some form rather than being dropped outright.
func truncateIfNeeded(eventType string, runID int64, payload []byte) (string, error) {
	const notifyLimit = 7900
	if len(payload) <= notifyLimit {
		return string(payload), nil
	}

	truncated := Envelope{
		Event: eventType,
		Data: map[string]any{
			"truncated": true,
			"run_id":    runID,
		},
	}
	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated %s payload: %w", eventType, err)
	}
	return string(truncBytes), nil
}
