// Package correlation implements C2: pure-analytic functions over the
// event store — temporal windowing, confidence scoring, co-occurrence, and
// symptom clustering. Every exported function here either issues one
// parameterized SQL statement against the raw *sql.DB or operates purely on
// already-fetched data; there is no LLM or queue interaction in this
// package.
package correlation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Sufficiency is the result of the data-sufficiency check (§4.1).
type Sufficiency struct {
	Sufficient   bool
	MealCount    int
	SymptomCount int
}

// CheckSufficiency counts published meals and tagged symptoms for userID in
// [start, end] and reports whether both meet or exceed their configured
// minimums.
func CheckSufficiency(ctx context.Context, db *sql.DB, userID uuid.UUID, start, end time.Time, minMeals, minSymptoms int) (Sufficiency, error) {
	var mealCount int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM meals WHERE user_id = $1 AND status = 'published' AND occurred_at BETWEEN $2 AND $3`,
		userID, start, end,
	).Scan(&mealCount)
	if err != nil {
		return Sufficiency{}, err
	}

	var symptomCount int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM symptoms WHERE user_id = $1 AND started_at BETWEEN $2 AND $3 AND jsonb_array_length(tags) > 0`,
		userID, start, end,
	).Scan(&symptomCount)
	if err != nil {
		return Sufficiency{}, err
	}

	return Sufficiency{
		Sufficient:   mealCount >= minMeals && symptomCount >= minSymptoms,
		MealCount:    mealCount,
		SymptomCount: symptomCount,
	}, nil
}
