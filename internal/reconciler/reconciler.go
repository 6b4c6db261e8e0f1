// Package reconciler runs the periodic sweep that reclaims expired task
// leases and marks silent orchestrators offline.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
)

// Reconciler owns the background ticker loop. It never runs on a goroutine
// leaked from a request handler; the caller starts and stops it from
// process bootstrap.
type Reconciler struct {
	tasks         *db.TaskRepo
	history       *db.TaskHistoryRepo
	orchestrators *db.OrchestratorRepo
	interval      time.Duration
	staleTimeout  time.Duration
	clock         engine.Clock
	log           *slog.Logger
}

func New(tasks *db.TaskRepo, history *db.TaskHistoryRepo, orchestrators *db.OrchestratorRepo, interval, staleTimeout time.Duration, clock engine.Clock, log *slog.Logger) *Reconciler {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		tasks:         tasks,
		history:       history,
		orchestrators: orchestrators,
		interval:      interval,
		staleTimeout:  staleTimeout,
		clock:         clock,
		log:           log,
	}
}

// Run blocks, sweeping on a fixed cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep performs one reconciliation pass. Per-row failures are logged and do
// not abort the rest of the sweep.
func (r *Reconciler) sweep(ctx context.Context) {
	now := r.clock.Now()

	released, err := r.tasks.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		r.log.Error("release expired leases failed", "error", err)
	} else {
		for _, t := range released {
			r.appendHistory(ctx, t.ID, "requeued", "Lease expired")
		}
		if len(released) > 0 {
			r.log.Info("reconciler released expired leases", "count", len(released))
		}
	}

	cutoff := now.Add(-r.staleTimeout)
	offline, err := r.orchestrators.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		r.log.Error("mark stale orchestrators failed", "error", err)
	} else if len(offline) > 0 {
		r.log.Info("reconciler marked orchestrators offline", "count", len(offline), "ids", offline)
	}
}

func (r *Reconciler) appendHistory(ctx context.Context, taskID, event, details string) {
	if r.history == nil {
		return
	}
	if err := r.history.Append(ctx, &db.TaskHistory{TaskID: taskID, Event: event, Details: details}); err != nil {
		r.log.Error("append history failed", "task_id", taskID, "event", event, "error", err)
	}
}

// SweepOnce runs a single reconciliation pass synchronously. Exposed for
// tests and for an operator-triggered manual reconcile.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	if r.tasks == nil {
		return fmt.Errorf("reconciler has no task repo")
	}
	r.sweep(ctx)
	return nil
}
