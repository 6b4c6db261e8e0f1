package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maxthelion/octopoid-server/internal/config"
	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/flows"
	"github.com/maxthelion/octopoid-server/internal/roles"
	"github.com/maxthelion/octopoid-server/internal/selector"
)

func newTestServer(t *testing.T) (http.Handler, *db.TaskRepo, *db.OrchestratorRepo) {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir()+"/api-test.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	taskRepo := db.NewTaskRepo(conn.SQL())
	history := db.NewTaskHistoryRepo(conn.SQL())
	orchestratorRepo := db.NewOrchestratorRepo(conn.SQL())

	roleRegistry, err := roles.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("roles.NewRegistry() error = %v", err)
	}
	flowRegistry, err := flows.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("flows.NewRegistry() error = %v", err)
	}

	cfg := &config.Config{DefaultPageSize: 50, MaxPageSize: 500}
	eng := engine.New(taskRepo, history, nil, engine.DefaultConfig())
	sel := selector.New(taskRepo, roleRegistry, eng)

	handlerInstance := NewRouter(Deps{
		Config:           cfg,
		TaskRepo:         taskRepo,
		History:          history,
		OrchestratorRepo: orchestratorRepo,
		Roles:            roleRegistry,
		Flows:            flowRegistry,
		Engine:           eng,
		Selector:         sel,
	})

	return handlerInstance, taskRepo, orchestratorRepo
}

func newTestServerWithRoles(t *testing.T) (http.Handler, *db.TaskRepo, *roles.Registry) {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir()+"/api-roles-test.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	taskRepo := db.NewTaskRepo(conn.SQL())
	history := db.NewTaskHistoryRepo(conn.SQL())
	orchestratorRepo := db.NewOrchestratorRepo(conn.SQL())

	roleRegistry, err := roles.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("roles.NewRegistry() error = %v", err)
	}
	flowRegistry, err := flows.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("flows.NewRegistry() error = %v", err)
	}

	cfg := &config.Config{DefaultPageSize: 50, MaxPageSize: 500}
	eng := engine.New(taskRepo, history, nil, engine.DefaultConfig())
	sel := selector.New(taskRepo, roleRegistry, eng)

	handlerInstance := NewRouter(Deps{
		Config:           cfg,
		TaskRepo:         taskRepo,
		History:          history,
		OrchestratorRepo: orchestratorRepo,
		Roles:            roleRegistry,
		Flows:            flowRegistry,
		Engine:           eng,
		Selector:         sel,
	})

	return handlerInstance, taskRepo, roleRegistry
}

func newJSONRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
