// Package api is the request facade: it validates inputs, resolves scope,
// dispatches to the engine/selector, and shapes responses. Lifecycle
// transitions go through the engine; task creation, deletion, the generic
// PATCH and hook completion write through the task repo directly.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/maxthelion/octopoid-server/internal/config"
	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/flows"
	"github.com/maxthelion/octopoid-server/internal/roles"
	"github.com/maxthelion/octopoid-server/internal/selector"
)

type handler struct {
	cfg              *config.Config
	taskRepo         *db.TaskRepo
	history          *db.TaskHistoryRepo
	orchestratorRepo *db.OrchestratorRepo
	roles            *roles.Registry
	flows            *flows.Registry
	engine           *engine.Engine
	selector         *selector.Selector
}

// Deps bundles the components NewRouter wires into the handler. Every field
// is a leaf built by process bootstrap; the router owns none of their
// lifecycles. The reconciler is not among them: it runs as an independent
// periodic task started from process bootstrap, never from a request
// handler, so the facade has no business holding a reference to it.
type Deps struct {
	Config           *config.Config
	TaskRepo         *db.TaskRepo
	History          *db.TaskHistoryRepo
	OrchestratorRepo *db.OrchestratorRepo
	Roles            *roles.Registry
	Flows            *flows.Registry
	Engine           *engine.Engine
	Selector         *selector.Selector
}

func NewRouter(d Deps) http.Handler {
	h := &handler{
		cfg:              d.Config,
		taskRepo:         d.TaskRepo,
		history:          d.History,
		orchestratorRepo: d.OrchestratorRepo,
		roles:            d.Roles,
		flows:            d.Flows,
		engine:           d.Engine,
		selector:         d.Selector,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", h.createTask)
	mux.HandleFunc("GET /tasks", h.listTasks)
	mux.HandleFunc("POST /tasks/claim", h.claimTask)
	mux.HandleFunc("GET /tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /tasks/{id}", h.patchTask)
	mux.HandleFunc("DELETE /tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /tasks/{id}/submit", h.submitTask)
	mux.HandleFunc("POST /tasks/{id}/accept", h.acceptTask)
	mux.HandleFunc("POST /tasks/{id}/reject", h.rejectTask)
	mux.HandleFunc("POST /tasks/{id}/requeue", h.requeueTask)
	mux.HandleFunc("POST /tasks/{id}/block", h.blockTask)
	mux.HandleFunc("POST /tasks/{id}/unblock", h.unblockTask)
	mux.HandleFunc("POST /tasks/{id}/hooks/{hookName}/complete", h.completeHook)

	mux.HandleFunc("POST /orchestrators/register", h.registerOrchestrator)
	mux.HandleFunc("POST /orchestrators/{id}/heartbeat", h.heartbeatOrchestrator)

	mux.HandleFunc("GET /scheduler/poll", h.pollScheduler)

	mux.HandleFunc("GET /roles", h.listRoles)
	mux.HandleFunc("GET /flows", h.listFlows)

	return authMiddleware(h.cfg.Token)(jsonMiddleware(corsMiddleware(mux)))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[len("bearer "):]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware is permissive by design: the core never authenticates
// orchestrators beyond the shared bearer token, so the allowed-origin set
// is not a meaningful trust boundary here.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// resolveScope implements the facade's scope-resolution rule: an explicit
// request scope wins; otherwise fall back to the scope recorded on the
// named orchestrator at registration. Missing scope is a hard validation
// failure.
func (h *handler) resolveScope(r *http.Request, requested, orchestratorID string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if orchestratorID == "" {
		return "", fmt.Errorf("scope is required")
	}
	orch, err := h.orchestratorRepo.Get(r.Context(), orchestratorID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve orchestrator: %w", err)
	}
	if orch == nil || orch.Scope == "" {
		return "", fmt.Errorf("scope is required")
	}
	return orch.Scope, nil
}

func (h *handler) listRoles(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.roles.List())
}

func (h *handler) listFlows(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.flows.List())
}
