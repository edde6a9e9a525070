package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically reclaims tasks whose heartbeat has gone
// stale (§4.9). All pool instances run this independently; the reclaim
// query is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.detectAndRecoverOrphans(ctx)
		}
	}
}

func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) {
	n, err := p.store.ReclaimOrphanedTasks(ctx, p.config.OrphanThreshold)
	if err != nil {
		slog.Error("orphan detection failed", "error", err)
		return
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += n
	p.orphans.mu.Unlock()

	if n > 0 {
		slog.Warn("reclaimed orphaned tasks", "count", n)
	}
}
