package correlation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// TagCorrelation is one (ingredient, state, symptom tag) row emitted by the
// temporal correlation query — the per-symptom granularity described in
// §4.1 before the fold-by-ingredient aggregation step.
type TagCorrelation struct {
	IngredientID   int64
	IngredientName string
	State          domain.IngredientState
	TagName        string
	Immediate      int
	Delayed        int
	Cumulative     int
	Occurrences    int
	AvgSeverity    float64
	AvgLagHours    float64
}

// IngredientConsumption is the eat-count per (ingredient, state) in window.
type IngredientConsumption struct {
	IngredientID int64
	State        domain.IngredientState
	TimesEaten   int
}

// temporalCorrelationSQL is the chained-CTE statement described in §4.1:
// symptom_episodes unnests each symptom's tag list into one row per tag;
// ingredient_exposures restricts meal_ingredients to published meals in
// window; temporal_correlations joins exposures to episodes within the
// 168-hour lookahead and classifies the lag into the three bands (rows
// outside the [0,2], [4,24], (24,168] union, and outside [0,168] entirely,
// are dropped — the "gap bands" §4.1 calls out). The window arithmetic
// lives here, not in application code, per §4.1's explicit design note.
const temporalCorrelationSQL = `
WITH symptom_episodes AS (
	SELECT s.id AS symptom_id, s.started_at,
	       tag->>'name' AS tag_name,
	       COALESCE((tag->>'severity')::numeric, 0) AS severity
	FROM symptoms s, jsonb_array_elements(s.tags) AS tag
	WHERE s.user_id = $1 AND s.started_at BETWEEN $2 AND $3
),
ingredient_exposures AS (
	SELECT m.id AS meal_id, mi.ingredient_id, i.name AS ingredient_name, mi.state, m.occurred_at
	FROM meal_ingredients mi
	JOIN meals m ON m.id = mi.meal_id
	JOIN ingredients i ON i.id = mi.ingredient_id
	WHERE m.user_id = $1 AND m.status = 'published' AND m.occurred_at BETWEEN $2 AND $3
),
temporal_correlations AS (
	SELECT e.ingredient_id, e.ingredient_name, e.state, se.tag_name, se.symptom_id, se.severity,
	       EXTRACT(EPOCH FROM (se.started_at - e.occurred_at)) / 3600.0 AS lag_hours
	FROM ingredient_exposures e
	JOIN symptom_episodes se ON se.started_at >= e.occurred_at
		AND se.started_at <= e.occurred_at + interval '168 hours'
),
ingredient_consumption AS (
	SELECT ingredient_id, state, count(DISTINCT meal_id) AS times_eaten
	FROM ingredient_exposures
	GROUP BY ingredient_id, state
)
SELECT tc.ingredient_id, tc.ingredient_name, tc.state, tc.tag_name,
       count(DISTINCT tc.symptom_id) FILTER (WHERE tc.lag_hours >= 0 AND tc.lag_hours <= 2) AS immediate,
       count(DISTINCT tc.symptom_id) FILTER (WHERE tc.lag_hours >= 4 AND tc.lag_hours <= 24) AS delayed,
       count(DISTINCT tc.symptom_id) FILTER (WHERE tc.lag_hours > 24 AND tc.lag_hours <= 168) AS cumulative,
       count(DISTINCT tc.symptom_id) FILTER (WHERE (tc.lag_hours >= 0 AND tc.lag_hours <= 2)
                           OR (tc.lag_hours >= 4 AND tc.lag_hours <= 24)
                           OR (tc.lag_hours > 24 AND tc.lag_hours <= 168)) AS occurrences,
       avg(tc.severity) FILTER (WHERE (tc.lag_hours >= 0 AND tc.lag_hours <= 2)
                           OR (tc.lag_hours >= 4 AND tc.lag_hours <= 24)
                           OR (tc.lag_hours > 24 AND tc.lag_hours <= 168)) AS avg_severity,
       avg(tc.lag_hours) FILTER (WHERE (tc.lag_hours >= 0 AND tc.lag_hours <= 2)
                           OR (tc.lag_hours >= 4 AND tc.lag_hours <= 24)
                           OR (tc.lag_hours > 24 AND tc.lag_hours <= 168)) AS avg_lag_hours
FROM temporal_correlations tc
GROUP BY tc.ingredient_id, tc.ingredient_name, tc.state, tc.tag_name
HAVING count(DISTINCT tc.symptom_id) FILTER (WHERE (tc.lag_hours >= 0 AND tc.lag_hours <= 2)
                           OR (tc.lag_hours >= 4 AND tc.lag_hours <= 24)
                           OR (tc.lag_hours > 24 AND tc.lag_hours <= 168)) >= $4`

// TagCorrelations runs the temporal correlation query and returns one row
// per (ingredient, state, symptom tag) with total occurrences ≥
// minSymptomOccurrences.
func TagCorrelations(ctx context.Context, db *sql.DB, userID uuid.UUID, start, end time.Time, minSymptomOccurrences int) ([]TagCorrelation, error) {
	rows, err := db.QueryContext(ctx, temporalCorrelationSQL, userID, start, end, minSymptomOccurrences)
	if err != nil {
		return nil, fmt.Errorf("temporal correlation query: %w", err)
	}
	defer rows.Close()

	var out []TagCorrelation
	for rows.Next() {
		var tc TagCorrelation
		var avgSeverity, avgLag sql.NullFloat64
		if err := rows.Scan(&tc.IngredientID, &tc.IngredientName, &tc.State, &tc.TagName,
			&tc.Immediate, &tc.Delayed, &tc.Cumulative, &tc.Occurrences, &avgSeverity, &avgLag); err != nil {
			return nil, fmt.Errorf("scan tag correlation: %w", err)
		}
		tc.AvgSeverity = avgSeverity.Float64
		tc.AvgLagHours = avgLag.Float64
		out = append(out, tc)
	}
	return out, rows.Err()
}

// IngredientConsumptionCounts returns the eat-count per (ingredient, state)
// across published meals in window, independent of symptom correlation —
// used both for the denominator in confidence scoring and for co-occurrence.
func IngredientConsumptionCounts(ctx context.Context, db *sql.DB, userID uuid.UUID, start, end time.Time) ([]IngredientConsumption, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT mi.ingredient_id, mi.state, count(DISTINCT m.id)
		 FROM meal_ingredients mi
		 JOIN meals m ON m.id = mi.meal_id
		 WHERE m.user_id = $1 AND m.status = 'published' AND m.occurred_at BETWEEN $2 AND $3
		 GROUP BY mi.ingredient_id, mi.state`,
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("ingredient consumption query: %w", err)
	}
	defer rows.Close()

	var out []IngredientConsumption
	for rows.Next() {
		var c IngredientConsumption
		if err := rows.Scan(&c.IngredientID, &c.State, &c.TimesEaten); err != nil {
			return nil, fmt.Errorf("scan ingredient consumption: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
