package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// ErrResultNotFound is returned when a DiagnosisResult id has no row.
var ErrResultNotFound = errors.New("store: result not found")

// CreateResult persists a DiagnosisResult and its citations in one
// transaction. Idempotent check (§4.4: "task short-circuits if a result
// already exists for the (run, ingredient) key") is the caller's
// responsibility via ResultExists before calling this.
func (s *Store) CreateResult(ctx context.Context, result domain.DiagnosisResult) (domain.DiagnosisResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("begin create result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	associatedJSON, err := json.Marshal(result.AssociatedSymptoms)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("marshal associated symptoms: %w", err)
	}
	var processingJSON []byte
	if result.ProcessingSuggestions != nil {
		processingJSON, err = json.Marshal(result.ProcessingSuggestions)
		if err != nil {
			return domain.DiagnosisResult{}, fmt.Errorf("marshal processing suggestions: %w", err)
		}
	}
	altMealsJSON, err := json.Marshal(result.AlternativeMeals)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("marshal alternative meals: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO diagnosis_results
			(run_id, ingredient_id, confidence_score, confidence_level, immediate_correlation,
			 delayed_correlation, cumulative_correlation, times_eaten, times_followed_by_symptoms,
			 associated_symptoms, diagnosis_summary, recommendations_summary, processing_suggestions,
			 alternative_meals, raw_llm_text)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 RETURNING id, created_at`,
		result.RunID, result.IngredientID, result.ConfidenceScore, result.ConfidenceLevel,
		result.ImmediateCorrelation, result.DelayedCorrelation, result.CumulativeCorrelation,
		result.TimesEaten, result.TimesFollowedBySymptoms, associatedJSON, result.DiagnosisSummary,
		result.RecommendationsSummary, processingJSON, altMealsJSON, result.RawLLMText,
	).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("insert diagnosis result: %w", err)
	}

	for i := range result.Citations {
		c := &result.Citations[i]
		err = tx.QueryRowContext(ctx,
			`INSERT INTO diagnosis_citations (result_id, source_url, source_title, source_type, snippet, relevance_score)
			 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			result.ID, c.URL, c.Title, c.SourceType, c.Snippet, c.RelevanceScore,
		).Scan(&c.ID)
		if err != nil {
			return domain.DiagnosisResult{}, fmt.Errorf("insert citation for result %d: %w", result.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("commit create result: %w", err)
	}
	return result, nil
}

// ResultExists reports whether a DiagnosisResult already exists for
// (runID, ingredientID) — the idempotency check tasks perform before doing
// any LLM work.
func (s *Store) ResultExists(ctx context.Context, runID, ingredientID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM diagnosis_results WHERE run_id = $1 AND ingredient_id = $2)`,
		runID, ingredientID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check result exists for run %d ingredient %d: %w", runID, ingredientID, err)
	}
	return exists, nil
}

// GetResult loads one DiagnosisResult with its citations.
func (s *Store) GetResult(ctx context.Context, id int64) (domain.DiagnosisResult, error) {
	var r domain.DiagnosisResult
	var associatedJSON, processingJSON, altMealsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, ingredient_id, confidence_score, confidence_level, immediate_correlation,
			delayed_correlation, cumulative_correlation, times_eaten, times_followed_by_symptoms,
			associated_symptoms, diagnosis_summary, recommendations_summary, processing_suggestions,
			alternative_meals, raw_llm_text, created_at
		 FROM diagnosis_results WHERE id = $1`, id,
	).Scan(&r.ID, &r.RunID, &r.IngredientID, &r.ConfidenceScore, &r.ConfidenceLevel, &r.ImmediateCorrelation,
		&r.DelayedCorrelation, &r.CumulativeCorrelation, &r.TimesEaten, &r.TimesFollowedBySymptoms,
		&associatedJSON, &r.DiagnosisSummary, &r.RecommendationsSummary, &processingJSON,
		&altMealsJSON, &r.RawLLMText, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DiagnosisResult{}, ErrResultNotFound
	}
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("get result %d: %w", id, err)
	}
	if err := unmarshalResultJSON(&r, associatedJSON, processingJSON, altMealsJSON); err != nil {
		return domain.DiagnosisResult{}, err
	}

	citations, err := s.citationsForResult(ctx, r.ID)
	if err != nil {
		return domain.DiagnosisResult{}, err
	}
	r.Citations = citations
	return r, nil
}

// ListResultsForRun loads every DiagnosisResult under a run, ordered by
// descending confidence per §4.1's "tie-breaking and ordering" rule.
func (s *Store) ListResultsForRun(ctx context.Context, runID int64) ([]domain.DiagnosisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, ingredient_id, confidence_score, confidence_level, immediate_correlation,
			delayed_correlation, cumulative_correlation, times_eaten, times_followed_by_symptoms,
			associated_symptoms, diagnosis_summary, recommendations_summary, processing_suggestions,
			alternative_meals, raw_llm_text, created_at
		 FROM diagnosis_results WHERE run_id = $1 ORDER BY confidence_score DESC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.DiagnosisResult
	for rows.Next() {
		var r domain.DiagnosisResult
		var associatedJSON, processingJSON, altMealsJSON []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.IngredientID, &r.ConfidenceScore, &r.ConfidenceLevel, &r.ImmediateCorrelation,
			&r.DelayedCorrelation, &r.CumulativeCorrelation, &r.TimesEaten, &r.TimesFollowedBySymptoms,
			&associatedJSON, &r.DiagnosisSummary, &r.RecommendationsSummary, &processingJSON,
			&altMealsJSON, &r.RawLLMText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := unmarshalResultJSON(&r, associatedJSON, processingJSON, altMealsJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		citations, err := s.citationsForResult(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Citations = citations
	}
	return out, nil
}

// DeleteResult removes one DiagnosisResult, cascading its citations.
func (s *Store) DeleteResult(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagnosis_results WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete result %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete result %d rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrResultNotFound
	}
	return nil
}

func (s *Store) citationsForResult(ctx context.Context, resultID int64) ([]domain.Citation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_url, source_title, source_type, snippet, relevance_score
		 FROM diagnosis_citations WHERE result_id = $1 ORDER BY relevance_score DESC`, resultID,
	)
	if err != nil {
		return nil, fmt.Errorf("list citations for result %d: %w", resultID, err)
	}
	defer rows.Close()

	var out []domain.Citation
	for rows.Next() {
		var c domain.Citation
		if err := rows.Scan(&c.ID, &c.URL, &c.Title, &c.SourceType, &c.Snippet, &c.RelevanceScore); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func unmarshalResultJSON(r *domain.DiagnosisResult, associatedJSON, processingJSON, altMealsJSON []byte) error {
	if len(associatedJSON) > 0 {
		if err := json.Unmarshal(associatedJSON, &r.AssociatedSymptoms); err != nil {
			return fmt.Errorf("unmarshal associated symptoms for result %d: %w", r.ID, err)
		}
	}
	if len(processingJSON) > 0 {
		var ps domain.ProcessingSuggestions
		if err := json.Unmarshal(processingJSON, &ps); err != nil {
			return fmt.Errorf("unmarshal processing suggestions for result %d: %w", r.ID, err)
		}
		r.ProcessingSuggestions = &ps
	}
	if len(altMealsJSON) > 0 {
		if err := json.Unmarshal(altMealsJSON, &r.AlternativeMeals); err != nil {
			return fmt.Errorf("unmarshal alternative meals for result %d: %w", r.ID, err)
		}
	}
	return nil
}
