package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maxthelion/octopoid-server/internal/db"
)

func TestRegisterOrchestratorDerivesIDFromClusterAndMachine(t *testing.T) {
	h, _, orchestratorRepo := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/orchestrators/register", `{"cluster":"c1","machine_id":"m1","scope":"team-a"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp registerOrchestratorResponse
	decodeBody(t, rec, &resp)
	if resp.ID != "c1-m1" {
		t.Fatalf("id = %q, want c1-m1", resp.ID)
	}

	got, err := orchestratorRepo.Get(httptest.NewRequest("GET", "/", nil).Context(), "c1-m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != db.OrchestratorActive {
		t.Fatalf("got = %#v", got)
	}
}

func TestHeartbeatUpdatesStatusAndReturns404ForUnknown(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/orchestrators/register", `{"cluster":"c1","machine_id":"m1","scope":"team-a"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/orchestrators/c1-m1/heartbeat", `{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/orchestrators/missing/heartbeat", `{}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("heartbeat for unknown status = %d, want 404", rec.Code)
	}
}

func TestClaimResolvesScopeFromOrchestratorRegistration(t *testing.T) {
	h, taskRepo, _ := newTestServer(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	task := &db.Task{ID: "T10", Scope: "team-a", Branch: "main"}
	if err := taskRepo.Create(ctx, task); err != nil {
		t.Fatalf("create error = %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/orchestrators/register", `{"cluster":"c1","machine_id":"m1","scope":"team-a"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newJSONRequest("POST", "/tasks/claim", `{"orchestrator_id":"c1-m1","agent_name":"A1"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var claimed db.Task
	decodeBody(t, rec, &claimed)
	if claimed.ID != "T10" {
		t.Fatalf("claimed = %#v, want T10 via registered scope", claimed)
	}
}
