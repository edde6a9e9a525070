package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// ErrRunNotFound is returned by GetRun when no run with the given id exists.
var ErrRunNotFound = errors.New("store: run not found")

// CreateRun inserts a new DiagnosisRun row.
func (s *Store) CreateRun(ctx context.Context, run domain.DiagnosisRun) (domain.DiagnosisRun, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO diagnosis_runs
			(user_id, run_timestamp, status, total_ingredients, completed_ingredients,
			 meals_analyzed, symptoms_analyzed, date_range_start, date_range_end,
			 sufficient_data, web_search_enabled, llm_model, started_at, completed_at, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 RETURNING id, created_at`,
		run.UserID, run.RunTimestamp, run.Status, run.TotalIngredients, run.CompletedIngredients,
		run.MealsAnalyzed, run.SymptomsAnalyzed, run.DateRangeStart, run.DateRangeEnd,
		run.SufficientData, run.WebSearchEnabled, run.LLMModel, run.StartedAt, run.CompletedAt, run.ErrorMessage,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("insert diagnosis run: %w", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (domain.DiagnosisRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runSelectColumns+` FROM diagnosis_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DiagnosisRun{}, ErrRunNotFound
	}
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return run, nil
}

const runSelectColumns = `SELECT id, user_id, run_timestamp, status, total_ingredients, completed_ingredients,
	meals_analyzed, symptoms_analyzed, date_range_start, date_range_end, sufficient_data,
	web_search_enabled, llm_model, started_at, completed_at, error_message, created_at`

func scanRun(row *sql.Row) (domain.DiagnosisRun, error) {
	var run domain.DiagnosisRun
	err := row.Scan(&run.ID, &run.UserID, &run.RunTimestamp, &run.Status, &run.TotalIngredients, &run.CompletedIngredients,
		&run.MealsAnalyzed, &run.SymptomsAnalyzed, &run.DateRangeStart, &run.DateRangeEnd, &run.SufficientData,
		&run.WebSearchEnabled, &run.LLMModel, &run.StartedAt, &run.CompletedAt, &run.ErrorMessage, &run.CreatedAt)
	return run, err
}

// SetRunStatus transitions a run's status and sets error_message, stamping
// completed_at when the new status is completed or failed (started_at is
// left unchanged). Nothing in the pipeline calls it at present: terminal
// no-work runs are created already completed, workers complete runs via
// IncrementCompletedAndMaybeComplete, and the finaliser uses
// CompleteIfOutstanding.
func (s *Store) SetRunStatus(ctx context.Context, runID int64, status domain.RunStatus, errMsg string) error {
	now := time.Now()
	var completedAt any
	if status == domain.RunStatusCompleted || status == domain.RunStatusFailed {
		completedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_runs SET status = $1, completed_at = COALESCE($2, completed_at), error_message = $3 WHERE id = $4`,
		status, completedAt, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("set run %d status: %w", runID, err)
	}
	return nil
}

// MarkRunStarted transitions a pending run to processing and stamps
// started_at, used when the orchestrator hands a run off to the queue.
func (s *Store) MarkRunStarted(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_runs SET status = $1, started_at = now() WHERE id = $2`,
		domain.RunStatusProcessing, runID,
	)
	if err != nil {
		return fmt.Errorf("mark run %d started: %w", runID, err)
	}
	return nil
}

// IncrementCompletedAndMaybeComplete performs the single atomic
// `completed = completed + 1` update described in §4.5/§5 and, if that
// update brings completed to equal total, transitions the run to completed
// in the same transaction. Returns the refreshed completed/total counts and
// whether this call was the one that completed the run (so the caller
// knows to publish the `complete` event exactly once).
func (s *Store) IncrementCompletedAndMaybeComplete(ctx context.Context, runID int64) (completed, total int, justCompleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("begin increment run %d: %w", runID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.RunStatus
	err = tx.QueryRowContext(ctx,
		`UPDATE diagnosis_runs SET completed_ingredients = completed_ingredients + 1
		 WHERE id = $1 RETURNING completed_ingredients, total_ingredients, status`,
		runID,
	).Scan(&completed, &total, &status)
	if err != nil {
		return 0, 0, false, fmt.Errorf("increment run %d completed counter: %w", runID, err)
	}

	if completed >= total && status != domain.RunStatusCompleted {
		_, err = tx.ExecContext(ctx,
			`UPDATE diagnosis_runs SET status = $1, completed_at = now() WHERE id = $2 AND status != $1`,
			domain.RunStatusCompleted, runID,
		)
		if err != nil {
			return 0, 0, false, fmt.Errorf("complete run %d: %w", runID, err)
		}
		justCompleted = true
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, false, fmt.Errorf("commit increment run %d: %w", runID, err)
	}
	return completed, total, justCompleted, nil
}

// CompleteIfOutstanding is the finaliser backstop from §4.4/§9: a no-op if
// the run is already completed or failed, otherwise forces completion. It
// covers a worker that crashed after its commit but before the terminal
// check ran, and a run whose permanently failed tasks never incremented
// completed_ingredients (§7).
func (s *Store) CompleteIfOutstanding(ctx context.Context, runID int64) (alreadyTerminal bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_runs SET status = $1, completed_at = now()
		 WHERE id = $2 AND status NOT IN ($1, $3)`,
		domain.RunStatusCompleted, runID, domain.RunStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("finalize run %d: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize run %d rows affected: %w", runID, err)
	}
	return n == 0, nil
}

// CountResultsForRun returns the number of persisted DiagnosisResult rows
// under a run, used by the status endpoint and the complete event payload.
func (s *Store) CountResultsForRun(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM diagnosis_results WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results for run %d: %w", runID, err)
	}
	return n, nil
}

// AlreadyAnalysedIngredientIDs returns the set of ingredient ids that have a
// DiagnosisResult under any completed run for this user — the §4.3 step 4
// prefilter.
func (s *Store) AlreadyAnalysedIngredientIDs(ctx context.Context, userID uuid.UUID) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT r.ingredient_id
		 FROM diagnosis_results r
		 JOIN diagnosis_runs run ON run.id = r.run_id
		 WHERE run.user_id = $1 AND run.status = $2`,
		userID, domain.RunStatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("already analysed ingredients for user %s: %w", userID, err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ingredient id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// DeleteRunsForUser removes every run (and cascading results/citations/
// discounted ingredients/tasks) owned by userID — the reset endpoint.
func (s *Store) DeleteRunsForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM diagnosis_runs WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete runs for user %s: %w", userID, err)
	}
	return nil
}
