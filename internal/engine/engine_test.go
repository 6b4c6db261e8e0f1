package engine

import (
	"context"
	"testing"
	"time"

	"github.com/maxthelion/octopoid-server/internal/db"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func newTestEngine(t *testing.T) (*Engine, *db.TaskRepo, *fakeClock) {
	t.Helper()
	conn, err := db.Open(context.Background(), t.TempDir()+"/engine-test.db")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	tasks := db.NewTaskRepo(conn.SQL())
	history := db.NewTaskHistoryRepo(conn.SQL())
	clock := &fakeClock{now: time.Now()}
	return New(tasks, history, clock, DefaultConfig()), tasks, clock
}

func TestClaimSubmitAcceptHappyPath(t *testing.T) {
	eng, tasks, _ := newTestEngine(t)
	ctx := context.Background()

	task := &db.Task{Scope: "s", Branch: "main", Role: "implement"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}

	claimed, err := eng.Claim(ctx, ClaimParams{
		TaskID: task.ID, ExpectedQueue: db.QueueIncoming, ExpectedVersion: task.Version,
		AgentName: "agent-a", OrchestratorID: "orch-a", Scope: "s",
	})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.Queue != db.QueueClaimed || claimed.ClaimedBy != "agent-a" {
		t.Fatalf("claimed = %#v", claimed)
	}

	submitted, err := eng.Submit(ctx, SubmitParams{
		TaskID: task.ID, ExpectedVersion: claimed.Version, AgentName: "agent-a",
		CommitsCount: 3, TurnsUsed: 10,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if submitted.Queue != db.QueueProvisional {
		t.Fatalf("Queue after submit = %q, want provisional", submitted.Queue)
	}

	accepted, err := eng.Accept(ctx, task.ID, submitted.Version, "reviewer-1")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if accepted.Queue != db.QueueDone || accepted.CompletedAt == nil {
		t.Fatalf("accepted = %#v", accepted)
	}
}

func TestClaimLosesRaceOnStaleVersion(t *testing.T) {
	eng, tasks, _ := newTestEngine(t)
	ctx := context.Background()

	task := &db.Task{Scope: "s", Branch: "main"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}

	if _, err := eng.Claim(ctx, ClaimParams{TaskID: task.ID, ExpectedQueue: db.QueueIncoming, ExpectedVersion: task.Version, AgentName: "a", OrchestratorID: "o", Scope: "s"}); err != nil {
		t.Fatalf("first claim error = %v", err)
	}

	_, err := eng.Claim(ctx, ClaimParams{TaskID: task.ID, ExpectedQueue: db.QueueIncoming, ExpectedVersion: task.Version, AgentName: "b", OrchestratorID: "o2", Scope: "s"})
	if err == nil {
		t.Fatal("second Claim() succeeded, want CONFLICT")
	}
	var engErr *Error
	if ok := asEngineError(err, &engErr); !ok || engErr.Code != CodeConflict {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
}

func TestSubmitBurnoutRoutesToNeedsContinuation(t *testing.T) {
	eng, tasks, _ := newTestEngine(t)
	ctx := context.Background()

	task := &db.Task{Scope: "s", Branch: "main"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}
	claimed, err := eng.Claim(ctx, ClaimParams{TaskID: task.ID, ExpectedQueue: db.QueueIncoming, ExpectedVersion: task.Version, AgentName: "a", OrchestratorID: "o", Scope: "s"})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	submitted, err := eng.Submit(ctx, SubmitParams{TaskID: task.ID, ExpectedVersion: claimed.Version, CommitsCount: 0, TurnsUsed: 85})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if submitted.Queue != db.QueueNeedsContinuation {
		t.Fatalf("Queue = %q, want needs_continuation", submitted.Queue)
	}
}

func TestRejectCycleIncrementsRejectionCount(t *testing.T) {
	eng, tasks, _ := newTestEngine(t)
	ctx := context.Background()

	task := &db.Task{Scope: "s", Branch: "main"}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}
	claimed, _ := eng.Claim(ctx, ClaimParams{TaskID: task.ID, ExpectedQueue: db.QueueIncoming, ExpectedVersion: task.Version, AgentName: "a", OrchestratorID: "o", Scope: "s"})
	submitted, err := eng.Submit(ctx, SubmitParams{TaskID: task.ID, ExpectedVersion: claimed.Version, CommitsCount: 1, TurnsUsed: 5})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rejected, err := eng.Reject(ctx, task.ID, submitted.Version, "reviewer-1", "missing tests")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Queue != db.QueueIncoming || rejected.RejectionCount != 1 || rejected.ClaimedBy != "" {
		t.Fatalf("rejected = %#v", rejected)
	}
}

func TestUnblockFailsWhileDependencyUnresolved(t *testing.T) {
	eng, tasks, _ := newTestEngine(t)
	ctx := context.Background()

	blocker := &db.Task{Scope: "s", Branch: "main"}
	if err := tasks.Create(ctx, blocker); err != nil {
		t.Fatalf("create blocker error = %v", err)
	}
	dependent := &db.Task{Scope: "s", Branch: "main"}
	if err := tasks.Create(ctx, dependent); err != nil {
		t.Fatalf("create dependent error = %v", err)
	}

	blocked, err := eng.Block(ctx, dependent.ID, dependent.Version, blocker.ID)
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	_, err = eng.Unblock(ctx, dependent.ID, blocked.Version)
	if err == nil {
		t.Fatal("Unblock() succeeded while dependency unresolved")
	}
	var engErr *Error
	if ok := asEngineError(err, &engErr); !ok || engErr.Code != CodeDependency {
		t.Fatalf("error = %v, want DEPENDENCY", err)
	}
}

func asEngineError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
