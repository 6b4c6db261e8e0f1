package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// hookStatus is one entry of a task's opaque hooks array: a named sub-gate
// with independently-updateable status. The engine never inspects this;
// only this handler reads and rewrites it.
type hookStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Evidence  string    `json:"evidence,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type completeHookRequest struct {
	Status   string `json:"status"`
	Evidence string `json:"evidence"`
}

func decodeHooks(raw string) ([]hookStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var hooks []hookStatus
	if err := json.Unmarshal([]byte(raw), &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func encodeHooks(hooks []hookStatus) (string, error) {
	buf, err := json.Marshal(hooks)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// completeHook updates (or appends) a single named hook's status on a task,
// independently of the lifecycle state machine.
func (h *handler) completeHook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hookName := r.PathValue("hookName")

	var req completeHookRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != "passed" && req.Status != "failed" {
		jsonError(w, http.StatusBadRequest, "status must be \"passed\" or \"failed\"")
		return
	}

	task, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		jsonError(w, http.StatusNotFound, "task not found")
		return
	}

	hooks, err := decodeHooks(task.Hooks)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "stored hooks are corrupt: "+err.Error())
		return
	}

	found := false
	for i := range hooks {
		if hooks[i].Name == hookName {
			hooks[i].Status = req.Status
			hooks[i].Evidence = req.Evidence
			hooks[i].UpdatedAt = time.Now().UTC()
			found = true
			break
		}
	}
	if !found {
		hooks = append(hooks, hookStatus{
			Name:      hookName,
			Status:    req.Status,
			Evidence:  req.Evidence,
			UpdatedAt: time.Now().UTC(),
		})
	}

	encoded, err := encodeHooks(hooks)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.taskRepo.PatchFields(r.Context(), id, map[string]any{"hooks": encoded}); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, toTaskResponse(updated))
}
