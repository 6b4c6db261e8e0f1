package db

import (
	"context"
	"database/sql"
	"fmt"
)

type TaskHistoryRepo struct {
	db *sql.DB
}

func NewTaskHistoryRepo(db *sql.DB) *TaskHistoryRepo {
	return &TaskHistoryRepo{db: db}
}

// Append records an event for a task. It is called after the authoritative
// task write has committed, never inside the same transaction — a missing
// history row is a bug, but it must never invalidate task state.
func (r *TaskHistoryRepo) Append(ctx context.Context, entry *TaskHistory) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("task history repo unavailable")
	}
	if entry.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if entry.Event == "" {
		return fmt.Errorf("event is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_history (task_id, event, agent, details, timestamp)
VALUES (?, ?, ?, ?, ?)
`, entry.TaskID, entry.Event, entry.Agent, entry.Details, formatTimestamp(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("insert task history for %q: %w", entry.TaskID, err)
	}
	return nil
}

func (r *TaskHistoryRepo) ListByTask(ctx context.Context, taskID string) ([]*TaskHistory, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("task history repo unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, event, agent, details, timestamp
FROM task_history
WHERE task_id = ?
ORDER BY timestamp ASC, id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task history for %q: %w", taskID, err)
	}
	defer rows.Close()

	items := make([]*TaskHistory, 0)
	for rows.Next() {
		h := &TaskHistory{}
		var ts string
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Event, &h.Agent, &h.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		h.Timestamp, err = parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task history: %w", err)
	}
	return items, nil
}
