package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/ingestor/internal/deadletter"
)

// Archiver moves stale dead letters out of the active set based on a
// retention policy.
type Archiver struct {
	retention time.Duration
	dead      *deadletter.Service
}

// NewArchiver creates a new Archiver worker.
func NewArchiver(retention time.Duration, dead *deadletter.Service) *Archiver {
	return &Archiver{
		retention: retention,
		dead:      dead,
	}
}

// Start runs the archiver loop.
func (a *Archiver) Start(ctx context.Context) {
	if a.retention <= 0 {
		return // Retention disabled
	}

	// Calculate check interval (e.g., 10% of retention period, but max 1 hour)
	interval := min(a.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sweep
	a.archive(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.archive(ctx)
		}
	}
}

func (a *Archiver) archive(ctx context.Context) {
	n, err := a.dead.Archive(ctx, a.retention)
	if err != nil {
		slog.Error("[Archiver] failed to archive dead letters", "error", err)
		return
	}
	if n > 0 {
		slog.Info("[Archiver] archived stale dead letters", "count", n)
	}
}
