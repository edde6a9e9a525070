package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a queued diagnosis_tasks row.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ErrNoTasksAvailable indicates no claimable task row exists right now.
var ErrNoTasksAvailable = errors.New("store: no tasks available")

// Task is one (run, ingredient) unit of work claimed and executed by the
// worker pool (GLOSSARY: "Task").
type Task struct {
	ID              int64
	RunID           int64
	IngredientID    int64
	Payload         json.RawMessage
	Status          TaskStatus
	Attempts        int
	MaxAttempts     int
	NextAttemptAt   time.Time
	LastHeartbeatAt *time.Time
	LastError       string
	CreatedAt       time.Time
}

// EnqueueTask inserts a new diagnosis_tasks row, one per candidate
// ingredient as described in §4.3 step 6. The UNIQUE(run_id, ingredient_id)
// constraint makes a duplicate enqueue for the same pair a no-op rather than
// a second task, matching the idempotency rule in §4.4.
func (s *Store) EnqueueTask(ctx context.Context, runID, ingredientID int64, payload json.RawMessage, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnosis_tasks (run_id, ingredient_id, payload, status, max_attempts, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (run_id, ingredient_id) DO NOTHING`,
		runID, ingredientID, payload, TaskStatusPending, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("enqueue task run=%d ingredient=%d: %w", runID, ingredientID, err)
	}
	return nil
}

// maxConcurrentUnbounded is the sentinel passed to the capacity check in
// ClaimNextTask's query when the caller supplies a non-positive
// maxConcurrent, disabling the cap rather than claiming nothing.
const maxConcurrentUnbounded = 1 << 30

// ClaimNextTask atomically claims the oldest eligible task using
// SELECT ... FOR UPDATE SKIP LOCKED, mirroring the teacher's
// claimNextSession pattern — a task is eligible once its next_attempt_at
// has passed if it's pending, or failed with attempts still under
// max_attempts.
// maxConcurrent enforces the global cap on tasks in_progress across all
// replicas/pods (QueueConfig.MaxConcurrentSessions) via a database COUNT(*)
// check folded into the same query, so the cap holds even when several
// worker pools are claiming concurrently; a non-positive value disables it.
func (s *Store) ClaimNextTask(ctx context.Context, maxConcurrent int) (Task, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = maxConcurrentUnbounded
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin claim task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t Task
	err = tx.QueryRowContext(ctx,
		`SELECT dt.id, dt.run_id, dt.ingredient_id, dt.payload, dt.status, dt.attempts, dt.max_attempts,
			dt.next_attempt_at, dt.last_heartbeat_at, dt.last_error, dt.created_at
		 FROM diagnosis_tasks dt
		 WHERE dt.next_attempt_at <= now()
		   AND (dt.status = $1 OR (dt.status = $2 AND dt.attempts < dt.max_attempts))
		   AND (SELECT count(*) FROM diagnosis_tasks WHERE status = $3) < $4
		 ORDER BY dt.created_at ASC
		 LIMIT 1
		 FOR UPDATE OF dt SKIP LOCKED`,
		TaskStatusPending, TaskStatusFailed, TaskStatusInProgress, maxConcurrent,
	).Scan(&t.ID, &t.RunID, &t.IngredientID, &t.Payload, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.NextAttemptAt, &t.LastHeartbeatAt, &t.LastError, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNoTasksAvailable
	}
	if err != nil {
		return Task{}, fmt.Errorf("claim task: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE diagnosis_tasks SET status = $1, last_heartbeat_at = $2 WHERE id = $3`,
		TaskStatusInProgress, now, t.ID,
	)
	if err != nil {
		return Task{}, fmt.Errorf("mark task %d in_progress: %w", t.ID, err)
	}
	t.Status = TaskStatusInProgress
	t.LastHeartbeatAt = &now

	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit claim task %d: %w", t.ID, err)
	}
	return t, nil
}

// HeartbeatTask refreshes last_heartbeat_at for a claimed task, called
// periodically by the worker while the task is in flight.
func (s *Store) HeartbeatTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_tasks SET last_heartbeat_at = now() WHERE id = $1`, taskID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat task %d: %w", taskID, err)
	}
	return nil
}

// CompleteTask marks a task completed after its worker has committed a
// DiagnosisResult or DiscountedIngredient.
func (s *Store) CompleteTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_tasks SET status = $1 WHERE id = $2`, TaskStatusCompleted, taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	return nil
}

// FailTask records a failed attempt. If attempts remain under max_attempts,
// the task goes back to failed/eligible with exponential backoff between 5s
// and 60s (§4.4's retry policy); otherwise it is left failed permanently
// (ClaimNextTask skips failed rows whose attempts reached max_attempts, so
// the backoff stamped on it is never acted on) and the caller treats it as a
// PermanentWorkerFailure per §7 — completed is not incremented for it.
func (s *Store) FailTask(ctx context.Context, taskID int64, errMsg string, backoff time.Duration) (retryable bool, err error) {
	var attempts, maxAttempts int
	err = s.db.QueryRowContext(ctx,
		`UPDATE diagnosis_tasks SET attempts = attempts + 1, status = $1, last_error = $2,
			next_attempt_at = now() + $3::interval
		 WHERE id = $4
		 RETURNING attempts, max_attempts`,
		TaskStatusFailed, errMsg, fmt.Sprintf("%d seconds", int(backoff.Seconds())), taskID,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		return false, fmt.Errorf("fail task %d: %w", taskID, err)
	}
	return attempts < maxAttempts, nil
}

// ReclaimOrphanedTasks resets in_progress tasks whose heartbeat is older
// than threshold back to failed/eligible-immediately, treating the stalled
// attempt as a failure (§4.9's orphan sweep). Returns the number reclaimed.
func (s *Store) ReclaimOrphanedTasks(ctx context.Context, threshold time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE diagnosis_tasks
		 SET status = $1, last_error = 'orphaned: stale heartbeat', next_attempt_at = now()
		 WHERE status = $2 AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < now() - $3::interval`,
		TaskStatusFailed, TaskStatusInProgress, fmt.Sprintf("%d seconds", int(threshold.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned tasks rows affected: %w", err)
	}
	return int(n), nil
}

// QueueDepth returns the count of claimable (pending or retry-eligible)
// tasks, used by the worker pool's Health().
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM diagnosis_tasks
		 WHERE next_attempt_at <= now() AND (status = $1 OR (status = $2 AND attempts < max_attempts))`,
		TaskStatusPending, TaskStatusFailed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ActiveTaskCount returns the count of tasks currently in_progress.
func (s *Store) ActiveTaskCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM diagnosis_tasks WHERE status = $1`, TaskStatusInProgress,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active task count: %w", err)
	}
	return n, nil
}
