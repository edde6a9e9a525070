// Package queue is the worker pool (C9) that drains diagnosis_tasks rows
// enqueued by the run orchestrator (C4), dispatching each to a TaskExecutor
// (C5's per-ingredient analysis).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// Sentinel errors for worker polling.
var (
	// ErrNoTasksAvailable indicates no claimable task is in the queue.
	ErrNoTasksAvailable = errors.New("no tasks available")
)

// TaskExecutor performs the full per-ingredient analysis described in §4.5:
// idempotency check, LLM calls, persistence of the result or discount,
// the atomic progress increment, and event publication. The worker only
// handles claiming, heartbeat, retry bookkeeping, and graceful shutdown.
type TaskExecutor interface {
	Execute(ctx context.Context, task store.Task) error
}

// PoolHealth reports the worker pool's aggregate health (C10's /health
// handler surfaces this).
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveTasks      int            `json:"active_tasks"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth reports one worker goroutine's state.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	CurrentTaskID     int64     `json:"current_task_id,omitempty"`
	TasksProcessed    int       `json:"tasks_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
