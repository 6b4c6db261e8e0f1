// Package engine implements the task lifecycle state machine: claim, submit,
// accept, reject, requeue, block and unblock, each as a single conditional
// write guarded by the task's current queue and version.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
)

// Engine applies lifecycle transitions against the task store. Apart from
// the generic PATCH endpoint, which can set queue to any label except done,
// it is the only component that changes a task's queue.
type Engine struct {
	tasks   *db.TaskRepo
	history *db.TaskHistoryRepo
	clock   Clock
	cfg     Config
}

func New(tasks *db.TaskRepo, history *db.TaskHistoryRepo, clock Clock, cfg Config) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{tasks: tasks, history: history, clock: clock, cfg: cfg}
}

func (e *Engine) now() time.Time { return e.clock.Now() }

// appendHistory is best-effort: it runs after the task write has already
// committed and a failure here is logged but never unwinds that write.
func (e *Engine) appendHistory(ctx context.Context, taskID, event, agent, details string) {
	if e.history == nil {
		return
	}
	if err := e.history.Append(ctx, &db.TaskHistory{
		TaskID:    taskID,
		Event:     event,
		Agent:     agent,
		Details:   details,
		Timestamp: e.now(),
	}); err != nil {
		slog.Error("append history failed", "task_id", taskID, "event", event, "error", err)
	}
}

func (e *Engine) getOrNotFound(ctx context.Context, id string) (*db.Task, error) {
	t, err := e.tasks.Get(ctx, id)
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to load task", err)
	}
	if t == nil {
		return nil, newError(CodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	return t, nil
}

// ClaimParams describes a caller's claim attempt. Role/Type filters are
// resolved by the selector before this call; the engine only needs the
// winning candidate's identity and the lease it should be granted.
type ClaimParams struct {
	TaskID          string
	ExpectedQueue   string // db.QueueIncoming for a normal claim, db.QueueProvisional for claim_for_review
	ExpectedVersion int
	AgentName       string
	OrchestratorID  string
	LeaseDuration   time.Duration
	Scope           string
}

// Claim grants an exclusive, time-bounded lease on a task, moving it from
// incoming to claimed (or provisional to provisional for a review claim).
func (e *Engine) Claim(ctx context.Context, p ClaimParams) (*db.Task, error) {
	spec, ok := transitions[ActionClaim]
	if p.ExpectedQueue == db.QueueProvisional {
		spec = transitions[ActionClaimForReview]
	} else if !ok {
		return nil, newError(CodeInternal, "claim transition not registered")
	}

	// scope_matches is checked ahead of the conditional write: scope is
	// immutable once a task is created, so this guard can never be
	// invalidated by a concurrent writer between this read and the claim
	// below the way a queue/version guard could.
	before, err := e.getOrNotFound(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if before.Scope != p.Scope {
		return nil, newError(CodeValidation, "task scope does not match request scope")
	}

	lease := e.now().Add(e.cfg.clampLease(p.LeaseDuration))
	ok2, err := e.tasks.TryClaim(ctx, p.TaskID, p.ExpectedQueue, p.ExpectedVersion, spec.to, p.AgentName, p.OrchestratorID, lease)
	if err != nil {
		return nil, wrapError(CodeInternal, "claim failed", err)
	}
	if !ok2 {
		return nil, newError(CodeConflict, "task was claimed by another agent or no longer eligible")
	}

	t, err := e.getOrNotFound(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, p.TaskID, spec.event, p.AgentName, "")
	return t, nil
}

// SubmitParams carries submission evidence for a claimed task.
type SubmitParams struct {
	TaskID          string
	ExpectedVersion int
	AgentName       string
	CommitsCount    int
	TurnsUsed       int
	CheckResults    string
	ExecutionNotes  string
}

// Submit records the agent's work product and routes the task to either
// provisional review or needs_continuation, depending on the burnout guard.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*db.Task, error) {
	target := db.QueueProvisional
	event := transitions[ActionSubmit].event
	burnout := e.cfg.isBurnout(p.CommitsCount, p.TurnsUsed)
	if burnout {
		target = db.QueueNeedsContinuation
	}

	now := e.now()
	ok, err := e.tasks.TrySubmit(ctx, p.TaskID, p.ExpectedVersion, target, p.CommitsCount, p.TurnsUsed, p.CheckResults, p.ExecutionNotes, now)
	if err != nil {
		return nil, wrapError(CodeInternal, "submit failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not claimed, lease has expired, or version is stale")
	}

	t, err := e.getOrNotFound(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, p.TaskID, event, p.AgentName, "")
	if burnout {
		e.appendHistory(ctx, p.TaskID, "burnout_detected", p.AgentName,
			fmt.Sprintf(`{"turns_used":%d,"commits_count":%d,"threshold":%d}`, p.TurnsUsed, p.CommitsCount, e.cfg.BurnoutTurnThreshold))
	}
	return t, nil
}

// Accept terminates a provisional task as done and releases any dependents
// that were blocked on it.
func (e *Engine) Accept(ctx context.Context, taskID string, expectedVersion int, acceptedBy string) (*db.Task, error) {
	now := e.now()
	ok, err := e.tasks.TryAccept(ctx, taskID, expectedVersion, now)
	if err != nil {
		return nil, wrapError(CodeInternal, "accept failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not in provisional review")
	}

	t, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, taskID, transitions[ActionAccept].event, acceptedBy, "")

	dependents, derr := e.tasks.UnblockDependents(ctx, taskID)
	if derr != nil {
		// The primary transition already committed; a failed cascade is
		// logged and is not fatal here.
		slog.Error("unblock dependents failed", "task_id", taskID, "error", derr)
		return t, nil
	}
	for _, depID := range dependents {
		e.appendHistory(ctx, depID, "unblocked", "", fmt.Sprintf("dependency %s completed", taskID))
	}
	return t, nil
}

// Reject returns a provisional task to incoming and records a rejection.
func (e *Engine) Reject(ctx context.Context, taskID string, expectedVersion int, rejectedBy, reason string) (*db.Task, error) {
	ok, err := e.tasks.TryReject(ctx, taskID, expectedVersion)
	if err != nil {
		return nil, wrapError(CodeInternal, "reject failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not in provisional review")
	}

	t, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, taskID, transitions[ActionReject].event, rejectedBy, reason)
	return t, nil
}

// Requeue releases a claimed task back to incoming with no penalty.
func (e *Engine) Requeue(ctx context.Context, taskID string, expectedVersion int, agentName string) (*db.Task, error) {
	ok, err := e.tasks.TryRequeue(ctx, taskID, expectedVersion)
	if err != nil {
		return nil, wrapError(CodeInternal, "requeue failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not claimed")
	}

	t, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, taskID, transitions[ActionRequeue].event, agentName, "")
	return t, nil
}

// Block marks an incoming task as waiting on another task's completion.
func (e *Engine) Block(ctx context.Context, taskID string, expectedVersion int, blockedBy string) (*db.Task, error) {
	dep, err := e.tasks.Get(ctx, blockedBy)
	if err != nil {
		return nil, wrapError(CodeInternal, "failed to load dependency", err)
	}
	if dep == nil {
		return nil, newError(CodeValidation, fmt.Sprintf("blocking task %q does not exist", blockedBy))
	}

	ok, err := e.tasks.TryBlock(ctx, taskID, expectedVersion, blockedBy)
	if err != nil {
		return nil, wrapError(CodeInternal, "block failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not in incoming")
	}

	t, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, taskID, transitions[ActionBlock].event, "", fmt.Sprintf("blocked on %s", blockedBy))
	return t, nil
}

// Unblock clears a dependency once it has resolved, returning a blocked task
// to incoming.
func (e *Engine) Unblock(ctx context.Context, taskID string, expectedVersion int) (*db.Task, error) {
	current, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.BlockedBy != "" {
		dep, derr := e.tasks.Get(ctx, current.BlockedBy)
		if derr != nil {
			return nil, wrapError(CodeInternal, "failed to load dependency", derr)
		}
		if dep == nil || dep.Queue != db.QueueDone {
			return nil, newError(CodeDependency, "dependency is not resolved")
		}
	}

	ok, err := e.tasks.TryUnblock(ctx, taskID, expectedVersion)
	if err != nil {
		return nil, wrapError(CodeInternal, "unblock failed", err)
	}
	if !ok {
		return nil, newError(CodeConflict, "task is not blocked")
	}

	t, err := e.getOrNotFound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.appendHistory(ctx, taskID, transitions[ActionUnblock].event, "", "")
	return t, nil
}
