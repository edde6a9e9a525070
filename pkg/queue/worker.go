package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// WorkerStatus is the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// taskRegistry is the subset of WorkerPool a Worker needs for cancel
// registration.
type taskRegistry interface {
	RegisterTask(taskID int64, cancel context.CancelFunc)
	UnregisterTask(taskID int64)
}

// Worker is a single queue worker that polls for and processes tasks.
type Worker struct {
	id       string
	store    *store.Store
	config   *config.QueueConfig
	executor TaskExecutor
	pool     taskRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  int64
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id string, st *store.Store, cfg *config.QueueConfig, executor TaskExecutor, pool taskRegistry) *Worker {
	return &Worker{
		id:           id,
		store:        st,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. Safe to call
// multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims a task and runs it to completion, mirroring the
// teacher's claim → heartbeat → execute → terminal-update flow generalized
// from "session" to "ingredient task".
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.store.ClaimNextTask(ctx, w.config.MaxConcurrentSessions)
	if err != nil {
		if errors.Is(err, store.ErrNoTasksAvailable) {
			return err
		}
		return fmt.Errorf("claiming task: %w", err)
	}

	log := slog.With("task_id", task.ID, "run_id", task.RunID, "ingredient_id", task.IngredientID, "worker_id", w.id)
	log.Info("task claimed")

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	taskCtx, cancel := context.WithTimeout(ctx, w.config.SessionTimeout)
	defer cancel()

	w.pool.RegisterTask(task.ID, cancel)
	defer w.pool.UnregisterTask(task.ID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	execErr := w.executor.Execute(taskCtx, task)
	cancelHeartbeat()

	if execErr == nil {
		if err := w.store.CompleteTask(context.Background(), task.ID); err != nil {
			log.Error("failed to mark task completed", "error", err)
			return err
		}
		log.Info("task completed")
	} else {
		backoff := w.retryBackoff(task.Attempts)
		retryable, failErr := w.store.FailTask(context.Background(), task.ID, execErr.Error(), backoff)
		if failErr != nil {
			log.Error("failed to record task failure", "error", failErr)
			return failErr
		}
		if retryable {
			log.Warn("task failed, will retry", "error", execErr, "backoff", backoff)
		} else {
			log.Error("task failed permanently, exhausted retries", "error", execErr)
		}
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	return nil
}

// runHeartbeat periodically refreshes last_heartbeat_at for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID int64) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.HeartbeatTask(ctx, taskID); err != nil {
				slog.Warn("heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// retryBackoff computes the exponential backoff (5s-60s) for §4.4's retry
// policy, doubling per attempt.
func (w *Worker) retryBackoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
