package api

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/maxthelion/octopoid-server/internal/db"
)

type provisionalProjection struct {
	ID          string `json:"id"`
	Hooks       string `json:"hooks,omitempty"`
	ClaimedBy   string `json:"claimed_by,omitempty"`
	WaitingSince string `json:"waiting_since,omitempty"`
}

type pollResponse struct {
	QueueCounts  map[string]int          `json:"queue_counts"`
	Provisional  []provisionalProjection `json:"provisional"`
	Registered   bool                    `json:"registered"`
	Scope        string                  `json:"scope"`
	RegisteredFlows []*flowSummary       `json:"registered_flows"`
}

type flowSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// pollScheduler implements GET /scheduler/poll. It is a read-only
// aggregate the orchestrator can cheaply re-poll: queue depth by state,
// a lightweight projection of tasks under review, registration status, and
// the flows an orchestrator may reference.
func (h *handler) pollScheduler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orchestratorID := q.Get("orchestrator_id")

	scope, err := h.resolveScope(r, q.Get("scope"), orchestratorID)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	registered := false
	if orchestratorID != "" {
		orch, err := h.orchestratorRepo.Get(r.Context(), orchestratorID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		registered = orch != nil
	}

	counts := map[string]int{}
	for _, queue := range []string{db.QueueIncoming, db.QueueClaimed, db.QueueProvisional} {
		tasks, err := h.taskRepo.List(r.Context(), db.TaskFilter{Scope: scope, Queue: queue})
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[queue] = len(tasks)
	}

	provisionalTasks, err := h.taskRepo.List(r.Context(), db.TaskFilter{Scope: scope, Queue: db.QueueProvisional})
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projections := make([]provisionalProjection, 0, len(provisionalTasks))
	for _, t := range provisionalTasks {
		proj := provisionalProjection{ID: t.ID, Hooks: t.Hooks, ClaimedBy: t.ClaimedBy}
		if t.SubmittedAt != nil {
			proj.WaitingSince = humanize.Time(*t.SubmittedAt)
		}
		projections = append(projections, proj)
	}

	var flowSummaries []*flowSummary
	for _, f := range h.flows.List() {
		flowSummaries = append(flowSummaries, &flowSummary{ID: f.ID, Name: f.Name})
	}

	jsonResponse(w, http.StatusOK, pollResponse{
		QueueCounts:     counts,
		Provisional:     projections,
		Registered:      registered,
		Scope:           scope,
		RegisteredFlows: flowSummaries,
	})
}
