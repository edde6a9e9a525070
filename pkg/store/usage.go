package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// RecordUsage appends one AIUsageLog row — an append-only accounting
// record, never updated after insert.
func (s *Store) RecordUsage(ctx context.Context, log domain.AIUsageLog) (domain.AIUsageLog, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ai_usage_logs
			(user_id, occurred_at, service_type, model, input_tokens, output_tokens, cached_tokens,
			 estimated_cost_cents, request_id, request_type, web_search_enabled, success, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 RETURNING id`,
		log.UserID, log.OccurredAt, log.ServiceType, log.Model, log.InputTokens, log.OutputTokens,
		log.CachedTokens, log.EstimatedCostCents, log.RequestID, log.RequestType, log.WebSearchEnabled,
		log.Success, log.ErrorMessage,
	).Scan(&log.ID)
	if err != nil {
		return domain.AIUsageLog{}, fmt.Errorf("insert ai usage log: %w", err)
	}
	return log, nil
}

// TotalCostForRequestType sums estimated_cost_cents for rows tagged with a
// request type — the §4.8 "total cost for run" helper, parameterized so it
// also serves any other request_type grouping.
func (s *Store) TotalCostForRequestType(ctx context.Context, requestType string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(estimated_cost_cents), 0) FROM ai_usage_logs WHERE request_type = $1`,
		requestType,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost for request type %s: %w", requestType, err)
	}
	return total, nil
}

// UsageSummaryRow is one (service_type, model) bucket of the rolling usage
// summary described in §4.8's "Usage summary" supplement.
type UsageSummaryRow struct {
	ServiceType      string
	Model            string
	CallCount        int
	InputTokens      int64
	OutputTokens     int64
	CachedTokens     int64
	TotalCostCents   float64
	SuccessRate      float64
}

// UsageSummary returns a rolling-window aggregate grouped by service_type
// and model over the trailing windowDays.
func (s *Store) UsageSummary(ctx context.Context, windowDays int) ([]UsageSummaryRow, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_type, model, count(*),
			COALESCE(sum(input_tokens), 0), COALESCE(sum(output_tokens), 0), COALESCE(sum(cached_tokens), 0),
			COALESCE(sum(estimated_cost_cents), 0),
			COALESCE(avg(CASE WHEN success THEN 1 ELSE 0 END), 0)
		 FROM ai_usage_logs
		 WHERE occurred_at >= $1
		 GROUP BY service_type, model
		 ORDER BY service_type, model`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var out []UsageSummaryRow
	for rows.Next() {
		var r UsageSummaryRow
		if err := rows.Scan(&r.ServiceType, &r.Model, &r.CallCount, &r.InputTokens, &r.OutputTokens,
			&r.CachedTokens, &r.TotalCostCents, &r.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan usage summary row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageLogsForUser is used by callers that need a per-user usage trail
// rather than the aggregate summary above.
func (s *Store) UsageLogsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.AIUsageLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, occurred_at, service_type, model, input_tokens, output_tokens, cached_tokens,
			estimated_cost_cents, request_id, request_type, web_search_enabled, success, error_message
		 FROM ai_usage_logs WHERE user_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("usage logs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.AIUsageLog
	for rows.Next() {
		var l domain.AIUsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.OccurredAt, &l.ServiceType, &l.Model, &l.InputTokens,
			&l.OutputTokens, &l.CachedTokens, &l.EstimatedCostCents, &l.RequestID, &l.RequestType,
			&l.WebSearchEnabled, &l.Success, &l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan ai usage log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
