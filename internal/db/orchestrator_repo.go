package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type OrchestratorRepo struct {
	db *sql.DB
}

func NewOrchestratorRepo(db *sql.DB) *OrchestratorRepo {
	return &OrchestratorRepo{db: db}
}

// Register upserts an orchestrator's identity and scope, resetting its
// heartbeat and status to active. The id is derived by the caller as
// "<cluster>-<machine_id>".
func (r *OrchestratorRepo) Register(ctx context.Context, o *Orchestrator) error {
	if o.RegisteredAt.IsZero() {
		o.RegisteredAt = nowUTC()
	}
	if o.LastHeartbeat.IsZero() {
		o.LastHeartbeat = o.RegisteredAt
	}
	if o.Status == "" {
		o.Status = OrchestratorActive
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO orchestrators (id, cluster, machine_id, scope, status, last_heartbeat, registered_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	cluster = excluded.cluster,
	machine_id = excluded.machine_id,
	scope = excluded.scope,
	status = excluded.status,
	last_heartbeat = excluded.last_heartbeat
`, o.ID, o.Cluster, o.MachineID, o.Scope, o.Status, formatTimestamp(o.LastHeartbeat), formatTimestamp(o.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to register orchestrator %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrchestratorRepo) Get(ctx context.Context, id string) (*Orchestrator, error) {
	var o Orchestrator
	var lastHeartbeat, registeredAt string
	err := r.db.QueryRowContext(ctx, `
SELECT id, cluster, machine_id, scope, status, last_heartbeat, registered_at
FROM orchestrators WHERE id = ?
`, id).Scan(&o.ID, &o.Cluster, &o.MachineID, &o.Scope, &o.Status, &lastHeartbeat, &registeredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get orchestrator %q: %w", id, err)
	}
	if o.LastHeartbeat, err = parseTimestamp(lastHeartbeat); err != nil {
		return nil, err
	}
	if o.RegisteredAt, err = parseTimestamp(registeredAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// Heartbeat updates last_heartbeat and marks the orchestrator active.
// Returns false if the orchestrator is not registered.
func (r *OrchestratorRepo) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE orchestrators SET last_heartbeat = ?, status = ? WHERE id = ?
`, formatTimestamp(at), OrchestratorActive, id)
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat for %q: %w", id, err)
	}
	return rowsAffected(res)
}

// MarkStaleOffline marks every active orchestrator whose last heartbeat
// predates the cutoff as offline, returning their ids.
func (r *OrchestratorRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM orchestrators WHERE status = ? AND last_heartbeat < ?
`, OrchestratorActive, formatTimestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale orchestrators: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan orchestrator id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating stale orchestrators: %w", err)
	}

	if len(ids) > 0 {
		if _, err := r.db.ExecContext(ctx, `
UPDATE orchestrators SET status = ? WHERE status = ? AND last_heartbeat < ?
`, OrchestratorOffline, OrchestratorActive, formatTimestamp(cutoff)); err != nil {
			return nil, fmt.Errorf("failed to mark orchestrators offline: %w", err)
		}
	}
	return ids, nil
}

func (r *OrchestratorRepo) List(ctx context.Context) ([]*Orchestrator, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, cluster, machine_id, scope, status, last_heartbeat, registered_at
FROM orchestrators ORDER BY registered_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestrators: %w", err)
	}
	defer rows.Close()

	items := []*Orchestrator{}
	for rows.Next() {
		var o Orchestrator
		var lastHeartbeat, registeredAt string
		if err := rows.Scan(&o.ID, &o.Cluster, &o.MachineID, &o.Scope, &o.Status, &lastHeartbeat, &registeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan orchestrator: %w", err)
		}
		if o.LastHeartbeat, err = parseTimestamp(lastHeartbeat); err != nil {
			return nil, err
		}
		if o.RegisteredAt, err = parseTimestamp(registeredAt); err != nil {
			return nil, err
		}
		items = append(items, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating orchestrators: %w", err)
	}
	return items, nil
}
