package api

import (
	"net/http"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
)

type registerOrchestratorRequest struct {
	Cluster   string `json:"cluster"`
	MachineID string `json:"machine_id"`
	Scope     string `json:"scope"`
}

type registerOrchestratorResponse struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
}

// registerOrchestrator implements POST /orchestrators/register. The id is
// derived as "<cluster>-<machine_id>" and re-registering an existing id
// refreshes its scope and heartbeat.
func (h *handler) registerOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req registerOrchestratorRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Scope == "" {
		jsonError(w, http.StatusBadRequest, "scope is required")
		return
	}
	if req.Cluster == "" {
		jsonError(w, http.StatusBadRequest, "cluster is required")
		return
	}
	if req.MachineID == "" {
		jsonError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	id := req.Cluster + "-" + req.MachineID
	orch := &db.Orchestrator{
		ID:        id,
		Cluster:   req.Cluster,
		MachineID: req.MachineID,
		Scope:     req.Scope,
	}
	if err := h.orchestratorRepo.Register(r.Context(), orch); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusCreated, registerOrchestratorResponse{ID: id, Scope: req.Scope})
}

// heartbeatOrchestrator implements POST /orchestrators/:id/heartbeat.
func (h *handler) heartbeatOrchestrator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.orchestratorRepo.Heartbeat(r.Context(), id, time.Now().UTC())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		jsonError(w, http.StatusNotFound, "orchestrator not found")
		return
	}

	orch, err := h.orchestratorRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, orch)
}
