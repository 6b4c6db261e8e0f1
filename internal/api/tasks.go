package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/selector"
)

// toTaskResponse shapes a stored task for the wire. The db.Task struct
// already carries the field names and omitempty tags the spec's data model
// describes, so this is presently the identity function — kept as a single
// seam in case the wire shape ever needs to diverge from storage.
func toTaskResponse(t *db.Task) *db.Task {
	return t
}

type createTaskRequest struct {
	ID            string `json:"id"`
	Queue         string `json:"queue"`
	Priority      string `json:"priority"`
	Role          string `json:"role"`
	Type          string `json:"type"`
	Scope         string `json:"scope"`
	Branch        string `json:"branch"`
	ProjectID     string `json:"project_id"`
	BlockedBy     string `json:"blocked_by"`
	Hooks         string `json:"hooks"`
	Flow          string `json:"flow"`
	FlowOverrides string `json:"flow_overrides"`
	AutoAccept    bool   `json:"auto_accept"`
}

// createTask implements POST /tasks.
func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ID == "" {
		jsonError(w, http.StatusBadRequest, "id is required")
		return
	}
	if req.Branch == "" {
		jsonError(w, http.StatusBadRequest, "branch is required")
		return
	}
	if req.Scope == "" {
		jsonError(w, http.StatusBadRequest, "scope is required")
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = db.QueueIncoming
	}
	priority := req.Priority
	if priority == "" {
		priority = db.PriorityP2
	}

	if req.Role != "" && h.roles.Len() > 0 {
		if _, ok := h.roles.Get(req.Role); !ok {
			jsonError(w, http.StatusBadRequest, "unknown role \""+req.Role+"\"")
			return
		}
	}
	if req.Flow != "" && h.flows.Len() > 0 {
		if h.flows.Get(req.Flow) == nil {
			jsonError(w, http.StatusBadRequest, "unknown flow \""+req.Flow+"\"")
			return
		}
	}

	if queue == db.QueueBlocked && req.BlockedBy == "" {
		jsonError(w, http.StatusBadRequest, "blocked_by is required when queue is \"blocked\"")
		return
	}
	if req.BlockedBy != "" {
		dep, err := h.taskRepo.Get(r.Context(), req.BlockedBy)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if dep == nil {
			jsonError(w, http.StatusBadRequest, "blocked_by task \""+req.BlockedBy+"\" does not exist")
			return
		}
	}

	task := &db.Task{
		ID:            req.ID,
		Queue:         queue,
		Priority:      priority,
		Role:          req.Role,
		Type:          req.Type,
		Scope:         req.Scope,
		Branch:        req.Branch,
		ProjectID:     req.ProjectID,
		BlockedBy:     req.BlockedBy,
		Hooks:         req.Hooks,
		Flow:          req.Flow,
		FlowOverrides: req.FlowOverrides,
	}
	if err := h.taskRepo.Create(r.Context(), task); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.history != nil {
		if err := h.history.Append(r.Context(), &db.TaskHistory{TaskID: task.ID, Event: "created", Timestamp: time.Now().UTC()}); err != nil {
			slog.Error("append history failed", "task_id", task.ID, "event", "created", "error", err)
		}
	}

	jsonResponse(w, http.StatusCreated, toTaskResponse(task))
}

// listTasks implements GET /tasks?scope=...&queue=...&role=...&type=....
func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		jsonError(w, http.StatusBadRequest, "scope is required")
		return
	}

	filter := db.TaskFilter{Scope: scope, Queue: q.Get("queue")}
	if role := q.Get("role"); role != "" {
		filter.Roles = []string{role}
	}
	if typ := q.Get("type"); typ != "" {
		filter.Types = []string{typ}
	}

	tasks, err := h.taskRepo.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limit := h.cfg.DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > h.cfg.MaxPageSize {
		limit = h.cfg.MaxPageSize
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	jsonResponse(w, http.StatusOK, tasks)
}

// taskDetailResponse pairs a task with its append-only history, the shape
// GET /tasks/:id returns.
type taskDetailResponse struct {
	*db.Task
	History []*db.TaskHistory `json:"history"`
}

// getTask implements GET /tasks/:id.
func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}

	var history []*db.TaskHistory
	if h.history != nil {
		history, err = h.history.ListByTask(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	jsonResponse(w, http.StatusOK, taskDetailResponse{Task: toTaskResponse(task), History: history})
}

type claimRequest struct {
	OrchestratorID        string    `json:"orchestrator_id"`
	AgentName             string    `json:"agent_name"`
	Scope                 string    `json:"scope"`
	RoleFilter            stringSet `json:"role_filter"`
	TypeFilter            stringSet `json:"type_filter"`
	Queue                 string    `json:"queue"`
	LeaseDurationSeconds  int       `json:"lease_duration_seconds"`
}

// claimTask implements POST /tasks/claim.
func (h *handler) claimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OrchestratorID == "" {
		jsonError(w, http.StatusBadRequest, "orchestrator_id is required")
		return
	}
	if req.AgentName == "" {
		jsonError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	scope, err := h.resolveScope(r, req.Scope, req.OrchestratorID)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	var lease time.Duration
	if req.LeaseDurationSeconds > 0 {
		lease = time.Duration(req.LeaseDurationSeconds) * time.Second
	}

	task, err := h.selector.Claim(r.Context(), selector.Request{
		Scope:          scope,
		Queue:          req.Queue,
		RoleFilter:     []string(req.RoleFilter),
		TypeFilter:     []string(req.TypeFilter),
		AgentName:      req.AgentName,
		OrchestratorID: req.OrchestratorID,
		LeaseDuration:  lease,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type submitRequest struct {
	CommitsCount    int    `json:"commits_count"`
	TurnsUsed       int    `json:"turns_used"`
	CheckResults    string `json:"check_results"`
	ExecutionNotes  string `json:"execution_notes"`
	AgentName       string `json:"agent_name"`
	ExpectedVersion int    `json:"expected_version"`
}

// submitTask implements POST /tasks/:id/submit.
func (h *handler) submitTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	current, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if current == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}
	version := req.ExpectedVersion
	if version == 0 {
		version = current.Version
	}

	task, err := h.engine.Submit(r.Context(), engine.SubmitParams{
		TaskID:          id,
		ExpectedVersion: version,
		AgentName:       req.AgentName,
		CommitsCount:    req.CommitsCount,
		TurnsUsed:       req.TurnsUsed,
		CheckResults:    req.CheckResults,
		ExecutionNotes:  req.ExecutionNotes,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type acceptRequest struct {
	AcceptedBy      string `json:"accepted_by"`
	ExpectedVersion int    `json:"expected_version"`
}

// acceptTask implements POST /tasks/:id/accept.
func (h *handler) acceptTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req acceptRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AcceptedBy == "" {
		jsonError(w, http.StatusBadRequest, "accepted_by is required")
		return
	}

	version, err := h.resolveVersion(r, id, req.ExpectedVersion)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := h.engine.Accept(r.Context(), id, version, req.AcceptedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type rejectRequest struct {
	Reason          string `json:"reason"`
	RejectedBy      string `json:"rejected_by"`
	ExpectedVersion int    `json:"expected_version"`
}

// rejectTask implements POST /tasks/:id/reject.
func (h *handler) rejectTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		jsonError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.RejectedBy == "" {
		jsonError(w, http.StatusBadRequest, "rejected_by is required")
		return
	}

	version, err := h.resolveVersion(r, id, req.ExpectedVersion)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := h.engine.Reject(r.Context(), id, version, req.RejectedBy, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type requeueRequest struct {
	AgentName       string `json:"agent_name"`
	ExpectedVersion int    `json:"expected_version"`
}

// requeueTask implements POST /tasks/:id/requeue.
func (h *handler) requeueTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req requeueRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	version, err := h.resolveVersion(r, id, req.ExpectedVersion)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := h.engine.Requeue(r.Context(), id, version, req.AgentName)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type blockRequest struct {
	BlockedBy       string `json:"blocked_by"`
	ExpectedVersion int    `json:"expected_version"`
}

// blockTask implements POST /tasks/:id/block.
func (h *handler) blockTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BlockedBy == "" {
		jsonError(w, http.StatusBadRequest, "blocked_by is required")
		return
	}

	version, err := h.resolveVersion(r, id, req.ExpectedVersion)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := h.engine.Block(r.Context(), id, version, req.BlockedBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type unblockRequest struct {
	ExpectedVersion int `json:"expected_version"`
}

// unblockTask implements POST /tasks/:id/unblock.
func (h *handler) unblockTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req unblockRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	version, err := h.resolveVersion(r, id, req.ExpectedVersion)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	task, err := h.engine.Unblock(r.Context(), id, version)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(task))
}

type patchTaskRequest struct {
	Queue         *string `json:"queue"`
	Priority      *string `json:"priority"`
	Role          *string `json:"role"`
	Type          *string `json:"type"`
	BlockedBy     *string `json:"blocked_by"`
	Flow          *string `json:"flow"`
	FlowOverrides *string `json:"flow_overrides"`
}

// patchTask implements PATCH /tasks/:id, the generic non-lifecycle field
// update. Setting queue=done is forbidden: accept is the only path there
// because it carries mandatory side effects the generic patch cannot run.
func (h *handler) patchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Queue != nil && *req.Queue == db.QueueDone {
		jsonError(w, http.StatusBadRequest, "queue cannot be set to \"done\" directly; use accept")
		return
	}

	existing, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}

	set := map[string]any{}
	if req.Queue != nil {
		set["queue"] = *req.Queue
	}
	if req.Priority != nil {
		set["priority"] = *req.Priority
	}
	if req.Role != nil {
		set["role"] = *req.Role
	}
	if req.Type != nil {
		set["type"] = *req.Type
	}
	if req.BlockedBy != nil {
		set["blocked_by"] = *req.BlockedBy
	}
	if req.Flow != nil {
		set["flow"] = *req.Flow
	}
	if req.FlowOverrides != nil {
		set["flow_overrides"] = *req.FlowOverrides
	}

	if len(set) > 0 {
		if err := h.taskRepo.PatchFields(r.Context(), id, set); err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	updated, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(updated))
}

// deleteTask implements DELETE /tasks/:id. History rows cascade via the
// foreign key.
func (h *handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := h.taskRepo.Delete(r.Context(), id); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

// resolveVersion returns the caller-supplied expected version, or the
// task's current version when the caller omitted it (0).
func (h *handler) resolveVersion(r *http.Request, id string, expected int) (int, error) {
	if expected > 0 {
		return expected, nil
	}
	current, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 0, fmt.Errorf("task %q not found", id)
	}
	return current.Version, nil
}
