package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue values that carry transition-engine semantics. Any other string is a
// free-form label the engine never inspects.
const (
	QueueIncoming          = "incoming"
	QueueClaimed           = "claimed"
	QueueProvisional       = "provisional"
	QueueDone              = "done"
	QueueNeedsContinuation = "needs_continuation"
	QueueBlocked           = "blocked"
)

// Priority classes, P0 highest.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Task is the unit of work orchestrators claim, work, and resolve.
type Task struct {
	ID              string    `json:"id"`
	Queue           string    `json:"queue"`
	Priority        string    `json:"priority"`
	Role            string    `json:"role,omitempty"`
	Type            string    `json:"type,omitempty"`
	Scope           string    `json:"scope"`
	Branch          string    `json:"branch"`
	ProjectID       string    `json:"project_id,omitempty"`
	BlockedBy       string    `json:"blocked_by,omitempty"`
	ClaimedBy       string    `json:"claimed_by,omitempty"`
	OrchestratorID  string    `json:"orchestrator_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	Version         int       `json:"version"`
	CommitsCount    int       `json:"commits_count"`
	TurnsUsed       int       `json:"turns_used"`
	CheckResults    string    `json:"check_results,omitempty"`
	ExecutionNotes  string    `json:"execution_notes,omitempty"`
	RejectionCount  int       `json:"rejection_count"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Hooks           string    `json:"hooks,omitempty"`
	Flow            string    `json:"flow,omitempty"`
	FlowOverrides   string    `json:"flow_overrides,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TaskHistory is an append-only journal entry for a task's lifecycle.
type TaskHistory struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Agent     string    `json:"agent,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Orchestrator status values.
const (
	OrchestratorActive  = "active"
	OrchestratorOffline = "offline"
)

// Orchestrator is a registered fleet member.
type Orchestrator struct {
	ID            string    `json:"id"`
	Cluster       string    `json:"cluster"`
	MachineID     string    `json:"machine_id"`
	Scope         string    `json:"scope"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Role is a registered role name and the queue a selector defaults to when
// a claim names only this role.
type Role struct {
	Name       string `json:"name" yaml:"name"`
	ClaimsFrom string `json:"claims_from,omitempty" yaml:"claims_from,omitempty"`
}

// Flow is a declarative pipeline label, advisory to the engine.
type Flow struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// TaskFilter narrows a task listing or claim candidate query. Scope is
// required by callers outside the db package; the repo itself does not
// enforce that. Roles/Types express the selector's "role ∈ filter" guard: a
// nil or empty slice means no filter, a single entry matches one role, and
// multiple entries match any of them.
type TaskFilter struct {
	Scope string
	Queue string
	Roles []string
	Types []string
}

// NewID returns a random, globally-unique identifier for a new row.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimestampPtr(ts *time.Time) sql.NullString {
	if ts == nil || ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339), Valid: true}
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseTimestampPtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := parseTimestamp(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
