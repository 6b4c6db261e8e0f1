package selector

import (
	"context"
	"testing"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
	"github.com/maxthelion/octopoid-server/internal/engine"
	"github.com/maxthelion/octopoid-server/internal/roles"
)

func newTestSelector(t *testing.T) (*Selector, *db.TaskRepo) {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir()+"/selector-test.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	tasks := db.NewTaskRepo(conn.SQL())
	history := db.NewTaskHistoryRepo(conn.SQL())
	roleRegistry, err := roles.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	eng := engine.New(tasks, history, nil, engine.DefaultConfig())
	return New(tasks, roleRegistry, eng), tasks
}

func TestClaimPicksHighestPriorityOldestEligibleTask(t *testing.T) {
	sel, tasks := newTestSelector(t)
	ctx := context.Background()

	low := &db.Task{Scope: "s", Branch: "main", Priority: db.PriorityP2}
	if err := tasks.Create(ctx, low); err != nil {
		t.Fatalf("create low error = %v", err)
	}
	high := &db.Task{Scope: "s", Branch: "main", Priority: db.PriorityP0}
	if err := tasks.Create(ctx, high); err != nil {
		t.Fatalf("create high error = %v", err)
	}

	claimed, err := sel.Claim(ctx, Request{Scope: "s", AgentName: "a", OrchestratorID: "o"})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.ID != high.ID {
		t.Fatalf("claimed task = %q, want the P0 task %q", claimed.ID, high.ID)
	}
}

func TestClaimReportsNoTaskWhenNoneEligible(t *testing.T) {
	sel, _ := newTestSelector(t)
	ctx := context.Background()

	_, err := sel.Claim(ctx, Request{Scope: "empty-scope", AgentName: "a", OrchestratorID: "o"})
	if err != ErrNoTask {
		t.Fatalf("Claim() error = %v, want ErrNoTask", err)
	}
}

func TestClaimRespectsScopeIsolation(t *testing.T) {
	sel, tasks := newTestSelector(t)
	ctx := context.Background()

	task := &db.Task{Scope: "team-a", Branch: "main"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create error = %v", err)
	}

	_, err := sel.Claim(ctx, Request{Scope: "team-b", AgentName: "a", OrchestratorID: "o"})
	if err != ErrNoTask {
		t.Fatalf("Claim() error = %v, want ErrNoTask for foreign scope", err)
	}
}

func TestClaimHonorsRoleFilterSet(t *testing.T) {
	sel, tasks := newTestSelector(t)
	ctx := context.Background()

	review := &db.Task{Scope: "s", Branch: "main", Role: "review"}
	if err := tasks.Create(ctx, review); err != nil {
		t.Fatalf("create error = %v", err)
	}
	implement := &db.Task{Scope: "s", Branch: "main", Role: "implement"}
	if err := tasks.Create(ctx, implement); err != nil {
		t.Fatalf("create error = %v", err)
	}

	claimed, err := sel.Claim(ctx, Request{Scope: "s", AgentName: "a", OrchestratorID: "o", RoleFilter: []string{"review", "qa"}})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.ID != review.ID {
		t.Fatalf("claimed = %q, want review task %q", claimed.ID, review.ID)
	}
}

func TestClaimDependencySafetyExcludesBlockedTasks(t *testing.T) {
	sel, tasks := newTestSelector(t)
	ctx := context.Background()

	blocker := &db.Task{Scope: "s", Branch: "main", Queue: db.QueueProvisional}
	if err := tasks.Create(ctx, blocker); err != nil {
		t.Fatalf("create blocker error = %v", err)
	}
	blocked := &db.Task{Scope: "s", Branch: "main", Queue: db.QueueBlocked, BlockedBy: blocker.ID}
	if err := tasks.Create(ctx, blocked); err != nil {
		t.Fatalf("create blocked error = %v", err)
	}

	_, err := sel.Claim(ctx, Request{Scope: "s", AgentName: "a", OrchestratorID: "o"})
	if err != ErrNoTask {
		t.Fatalf("Claim() error = %v, want ErrNoTask (only eligible row is blocked)", err)
	}
}

func TestClaimResolvesQueueFromRoleClaimsFromHint(t *testing.T) {
	sel, tasks := newTestSelector(t)
	ctx := context.Background()

	reg, err := roles.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.Save(&roles.Role{Name: "reviewer", ClaimsFrom: db.QueueProvisional}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sel.roles = reg

	task := &db.Task{Scope: "s", Branch: "main", Queue: db.QueueProvisional, Role: "reviewer"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create error = %v", err)
	}

	claimed, err := sel.Claim(ctx, Request{Scope: "s", AgentName: "a", OrchestratorID: "o", RoleFilter: []string{"reviewer"}, LeaseDuration: time.Minute})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.ID != task.ID || claimed.Queue != db.QueueProvisional {
		t.Fatalf("claimed = %#v", claimed)
	}
}
