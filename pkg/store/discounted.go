package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// CreateDiscountedIngredient persists a DiscountedIngredient row, preserving
// the full original correlation record alongside the discard justification
// — the §4.5 step 2 "root_cause=false" branch.
func (s *Store) CreateDiscountedIngredient(ctx context.Context, d domain.DiscountedIngredient) (domain.DiscountedIngredient, error) {
	associatedJSON, err := json.Marshal(d.AssociatedSymptoms)
	if err != nil {
		return domain.DiscountedIngredient{}, fmt.Errorf("marshal associated symptoms: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO discounted_ingredients
			(run_id, ingredient_id, confounded_by_ingredient_id, discard_justification,
			 original_confidence_score, original_confidence_level, times_eaten, times_followed_by_symptoms,
			 immediate_correlation, delayed_correlation, cumulative_correlation, associated_symptoms,
			 conditional_probability, reverse_probability, lift, cooccurrence_meals_count,
			 medical_grounding_summary)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		 RETURNING id, created_at`,
		d.RunID, d.IngredientID, d.ConfoundedByIngredientID, d.DiscardJustification,
		d.OriginalConfidenceScore, d.OriginalConfidenceLevel, d.TimesEaten, d.TimesFollowedBySymptoms,
		d.ImmediateCorrelation, d.DelayedCorrelation, d.CumulativeCorrelation, associatedJSON,
		d.ConditionalProbability, d.ReverseProbability, d.Lift, d.CooccurrenceMealsCount,
		d.MedicalGroundingSummary,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return domain.DiscountedIngredient{}, fmt.Errorf("insert discounted ingredient: %w", err)
	}
	return d, nil
}

// ListDiscountedForRun loads every DiscountedIngredient under a run — the
// audit trail §3 describes.
func (s *Store) ListDiscountedForRun(ctx context.Context, runID int64) ([]domain.DiscountedIngredient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ingredient_id, confounded_by_ingredient_id, discard_justification,
			original_confidence_score, original_confidence_level, times_eaten, times_followed_by_symptoms,
			immediate_correlation, delayed_correlation, cumulative_correlation, associated_symptoms,
			conditional_probability, reverse_probability, lift, cooccurrence_meals_count,
			medical_grounding_summary, created_at
		 FROM discounted_ingredients WHERE run_id = $1`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list discounted ingredients for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.DiscountedIngredient
	for rows.Next() {
		var d domain.DiscountedIngredient
		var associatedJSON []byte
		if err := rows.Scan(&d.ID, &d.RunID, &d.IngredientID, &d.ConfoundedByIngredientID, &d.DiscardJustification,
			&d.OriginalConfidenceScore, &d.OriginalConfidenceLevel, &d.TimesEaten, &d.TimesFollowedBySymptoms,
			&d.ImmediateCorrelation, &d.DelayedCorrelation, &d.CumulativeCorrelation, &associatedJSON,
			&d.ConditionalProbability, &d.ReverseProbability, &d.Lift, &d.CooccurrenceMealsCount,
			&d.MedicalGroundingSummary, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discounted ingredient: %w", err)
		}
		if len(associatedJSON) > 0 {
			if err := json.Unmarshal(associatedJSON, &d.AssociatedSymptoms); err != nil {
				return nil, fmt.Errorf("unmarshal associated symptoms for discounted %d: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
