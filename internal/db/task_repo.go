package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type TaskRepo struct {
	db *sql.DB
}

func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func (r *TaskRepo) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		task.ID = id
	}
	if task.Queue == "" {
		task.Queue = QueueIncoming
	}
	if task.Priority == "" {
		task.Priority = PriorityP2
	}
	if task.Version == 0 {
		task.Version = 1
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = nowUTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (
	id, queue, priority, role, type, scope, branch, project_id, blocked_by,
	claimed_by, orchestrator_id, lease_expires_at, version,
	commits_count, turns_used, check_results, execution_notes, rejection_count,
	submitted_at, completed_at, hooks, flow, flow_overrides, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		task.ID, task.Queue, task.Priority, task.Role, task.Type, task.Scope, task.Branch, task.ProjectID, nullIfEmpty(task.BlockedBy),
		task.ClaimedBy, task.OrchestratorID, formatTimestampPtr(task.LeaseExpiresAt), task.Version,
		task.CommitsCount, task.TurnsUsed, task.CheckResults, task.ExecutionNotes, task.RejectionCount,
		formatTimestampPtr(task.SubmittedAt), formatTimestampPtr(task.CompletedAt), task.Hooks, task.Flow, task.FlowOverrides,
		formatTimestamp(task.CreatedAt), formatTimestamp(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

const taskColumns = `id, queue, priority, role, type, scope, branch, project_id, blocked_by,
	claimed_by, orchestrator_id, lease_expires_at, version,
	commits_count, turns_used, check_results, execution_notes, rejection_count,
	submitted_at, completed_at, hooks, flow, flow_overrides, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var blockedBy, leaseExpiresAt, submittedAt, completedAt sql.NullString
	var createdAtRaw, updatedAtRaw string

	err := row.Scan(
		&t.ID, &t.Queue, &t.Priority, &t.Role, &t.Type, &t.Scope, &t.Branch, &t.ProjectID, &blockedBy,
		&t.ClaimedBy, &t.OrchestratorID, &leaseExpiresAt, &t.Version,
		&t.CommitsCount, &t.TurnsUsed, &t.CheckResults, &t.ExecutionNotes, &t.RejectionCount,
		&submittedAt, &completedAt, &t.Hooks, &t.Flow, &t.FlowOverrides, &createdAtRaw, &updatedAtRaw,
	)
	if err != nil {
		return nil, err
	}

	if blockedBy.Valid {
		t.BlockedBy = blockedBy.String
	}
	if t.LeaseExpiresAt, err = parseTimestampPtr(leaseExpiresAt); err != nil {
		return nil, err
	}
	if t.SubmittedAt, err = parseTimestampPtr(submittedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimestampPtr(completedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}

	return &t, nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task %q: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching filter, ordered oldest first.
func (r *TaskRepo) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	where := []string{}

	if filter.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, filter.Scope)
	}
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if clause, clauseArgs := inClause("role", filter.Roles); clause != "" {
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	if clause, clauseArgs := inClause("type", filter.Types); clause != "" {
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating tasks: %w", err)
	}

	return tasks, nil
}

// ClaimCandidate returns the single highest-priority, oldest eligible task
// for the given filter, or nil if none. It is a plain read; the caller is
// responsible for turning the result into a conditional claim.
func (r *TaskRepo) ClaimCandidate(ctx context.Context, filter TaskFilter) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scope = ? AND queue = ? AND (blocked_by IS NULL OR blocked_by = '')`
	args := []any{filter.Scope, filter.Queue}

	if clause, clauseArgs := inClause("role", filter.Roles); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}
	if clause, clauseArgs := inClause("type", filter.Types); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}
	query += " ORDER BY priority ASC, created_at ASC LIMIT 1"

	row := r.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}
	return t, nil
}

// TryClaim atomically moves a task from fromQueue to toQueue, granting a
// lease, provided the observed version still matches. Returns false with no
// error when the predicate no longer matches (lost race).
func (r *TaskRepo) TryClaim(ctx context.Context, id, fromQueue string, expectedVersion int, toQueue, claimedBy, orchestratorID string, leaseExpiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, claimed_by = ?, orchestrator_id = ?, lease_expires_at = ?, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, toQueue, claimedBy, orchestratorID, formatTimestamp(leaseExpiresAt), formatTimestamp(nowUTC()), id, fromQueue, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TrySubmit atomically moves a claimed task to toQueue (provisional or
// needs_continuation) recording submission evidence, provided the lease is
// still held at the expected version.
func (r *TaskRepo) TrySubmit(ctx context.Context, id string, expectedVersion int, toQueue string, commitsCount, turnsUsed int, checkResults, executionNotes string, submittedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, commits_count = ?, turns_used = ?, check_results = ?, execution_notes = ?,
    submitted_at = ?, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
`, toQueue, commitsCount, turnsUsed, checkResults, executionNotes,
		formatTimestamp(submittedAt), formatTimestamp(nowUTC()), id, QueueClaimed, expectedVersion, formatTimestamp(submittedAt))
	if err != nil {
		return false, fmt.Errorf("failed to submit task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TryAccept atomically terminates a provisional task as done.
func (r *TaskRepo) TryAccept(ctx context.Context, id string, expectedVersion int, completedAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, completed_at = ?, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, QueueDone, formatTimestamp(completedAt), formatTimestamp(nowUTC()), id, QueueProvisional, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to accept task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TryReject atomically returns a provisional task to incoming and bumps its
// rejection count, clearing lease ownership.
func (r *TaskRepo) TryReject(ctx context.Context, id string, expectedVersion int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, claimed_by = '', orchestrator_id = '', lease_expires_at = NULL,
    rejection_count = rejection_count + 1, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, QueueIncoming, formatTimestamp(nowUTC()), id, QueueProvisional, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to reject task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TryRequeue atomically releases a claimed task back to incoming without
// penalty.
func (r *TaskRepo) TryRequeue(ctx context.Context, id string, expectedVersion int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, claimed_by = '', orchestrator_id = '', lease_expires_at = NULL,
    version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, QueueIncoming, formatTimestamp(nowUTC()), id, QueueClaimed, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to requeue task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TryBlock atomically marks an incoming task blocked on another task.
func (r *TaskRepo) TryBlock(ctx context.Context, id string, expectedVersion int, blockedBy string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, blocked_by = ?, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, QueueBlocked, blockedBy, formatTimestamp(nowUTC()), id, QueueIncoming, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to block task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// TryUnblock atomically clears a resolved block, returning the task to
// incoming.
func (r *TaskRepo) TryUnblock(ctx context.Context, id string, expectedVersion int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, blocked_by = NULL, version = version + 1, updated_at = ?
WHERE id = ? AND queue = ? AND version = ?
`, QueueIncoming, formatTimestamp(nowUTC()), id, QueueBlocked, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to unblock task %q: %w", id, err)
	}
	return rowsAffected(res)
}

// UnblockDependents clears blocked_by on every task that was waiting on id,
// returning them to incoming. Called after a task is accepted. A
// blocked_by-carrying task can be sitting in either incoming (created with
// the dependency already set) or blocked (moved there via block), so both
// are cleared unconditionally rather than filtering to QueueBlocked alone.
func (r *TaskRepo) UnblockDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM tasks WHERE blocked_by = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find dependents of %q: %w", id, err)
	}
	var ids []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dependent id: %w", err)
		}
		ids = append(ids, depID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating dependents: %w", err)
	}

	for _, depID := range ids {
		if _, err := r.db.ExecContext(ctx, `
UPDATE tasks SET queue = ?, blocked_by = NULL, version = version + 1, updated_at = ?
WHERE id = ? AND blocked_by = ?
`, QueueIncoming, formatTimestamp(nowUTC()), depID, id); err != nil {
			return nil, fmt.Errorf("failed to unblock dependent %q: %w", depID, err)
		}
	}

	return ids, nil
}

// ReleaseExpiredLeases returns every claimed task whose lease has expired as
// of now, then clears the claim without touching version — a stale submit
// from the previous holder still carries the old version and collides
// cleanly against the reclaimed row.
func (r *TaskRepo) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE queue = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`, QueueClaimed, formatTimestamp(now))
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	var expired []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired task: %w", err)
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating expired leases: %w", err)
	}

	for _, t := range expired {
		if _, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET queue = ?, claimed_by = '', orchestrator_id = '', lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND queue = ? AND lease_expires_at < ?
`, QueueIncoming, formatTimestamp(now), t.ID, QueueClaimed, formatTimestamp(now)); err != nil {
			return nil, fmt.Errorf("failed to release lease for %q: %w", t.ID, err)
		}
	}

	return expired, nil
}

// PatchFields applies a generic, non-lifecycle field update and bumps the
// task's version. Callers must reject attempts to set queue to done
// directly; accept is the only path there.
func (r *TaskRepo) PatchFields(ctx context.Context, id string, set map[string]any) error {
	if len(set) == 0 {
		return nil
	}
	cols := make([]string, 0, len(set)+1)
	args := make([]any, 0, len(set)+2)
	for col, val := range set {
		cols = append(cols, col+" = ?")
		args = append(args, val)
	}
	cols = append(cols, "version = version + 1", "updated_at = ?")
	args = append(args, formatTimestamp(nowUTC()))
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(cols, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to patch task %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read patched rows for task %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %q: %w", id, err)
	}
	return nil
}

// inClause builds a "col IN (?, ?, ...)" fragment for a non-empty value
// set, or "col = ?" for a single value. Empty values is no filter at all.
func inClause(col string, values []string) (string, []any) {
	if len(values) == 0 {
		return "", nil
	}
	if len(values) == 1 {
		return col + " = ?", []any{values[0]}
	}
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return col + " IN (" + strings.Join(placeholders, ", ") + ")", args
}

func rowsAffected(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}
