package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "octopoid-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, _ := openTestDB(t)

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "tasks")
	assertTableExists(t, database.SQL(), "task_history")
	assertTableExists(t, database.SQL(), "orchestrators")
	assertTableExists(t, database.SQL(), "roles")
	assertTableExists(t, database.SQL(), "flows")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != "3" {
		t.Fatalf("schema version = %s, want 3", version)
	}
}

func TestTaskRepoCreateGetList(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewTaskRepo(database.SQL())
	ctx := context.Background()

	task := &Task{Scope: "team-a", Branch: "main", Role: "implement"}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if task.ID == "" {
		t.Fatal("Create() did not set task ID")
	}
	if task.Queue != QueueIncoming {
		t.Fatalf("Queue = %q, want incoming", task.Queue)
	}

	got, err := repo.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Scope != "team-a" || got.Version != 1 {
		t.Fatalf("Get() got = %#v", got)
	}

	list, err := repo.List(ctx, TaskFilter{Scope: "team-a"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List len = %d, want 1", len(list))
	}

	other := &Task{Scope: "team-b", Branch: "main"}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create() other scope error = %v", err)
	}
	scoped, err := repo.List(ctx, TaskFilter{Scope: "team-a"})
	if err != nil {
		t.Fatalf("List() scoped error = %v", err)
	}
	if len(scoped) != 1 {
		t.Fatalf("List(team-a) len = %d, want 1 (scope leak)", len(scoped))
	}
}

func TestTaskRepoTryClaimRace(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewTaskRepo(database.SQL())
	ctx := context.Background()

	task := &Task{Scope: "s", Branch: "main"}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	lease := time.Now().Add(5 * time.Minute)
	ok1, err := repo.TryClaim(ctx, task.ID, QueueIncoming, task.Version, QueueClaimed, "agent-a", "orch-a", lease)
	if err != nil {
		t.Fatalf("TryClaim() first error = %v", err)
	}
	if !ok1 {
		t.Fatal("TryClaim() first = false, want true")
	}

	ok2, err := repo.TryClaim(ctx, task.ID, QueueIncoming, task.Version, QueueClaimed, "agent-b", "orch-b", lease)
	if err != nil {
		t.Fatalf("TryClaim() second error = %v", err)
	}
	if ok2 {
		t.Fatal("TryClaim() second = true, want false (stale version)")
	}

	got, err := repo.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
	if got.ClaimedBy != "agent-a" {
		t.Fatalf("ClaimedBy = %q, want agent-a", got.ClaimedBy)
	}
}

func TestTaskRepoReleaseExpiredLeases(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewTaskRepo(database.SQL())
	ctx := context.Background()

	task := &Task{Scope: "s", Branch: "main"}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := repo.TryClaim(ctx, task.ID, QueueIncoming, task.Version, QueueClaimed, "a", "o", past); err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}

	released, err := repo.ReleaseExpiredLeases(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReleaseExpiredLeases() error = %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("released len = %d, want 1", len(released))
	}

	got, err := repo.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Queue != QueueIncoming || got.ClaimedBy != "" {
		t.Fatalf("after release = %#v", got)
	}
	if got.Version != 2 {
		t.Fatalf("version bumped by release, got %d, want unchanged at 2 from claim", got.Version)
	}
}

func TestTaskRepoAcceptUnblocksDependents(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewTaskRepo(database.SQL())
	ctx := context.Background()

	blocker := &Task{Scope: "s", Branch: "main"}
	if err := repo.Create(ctx, blocker); err != nil {
		t.Fatalf("create blocker error = %v", err)
	}
	dependent := &Task{Scope: "s", Branch: "main", Queue: QueueBlocked, BlockedBy: blocker.ID}
	if err := repo.Create(ctx, dependent); err != nil {
		t.Fatalf("create dependent error = %v", err)
	}

	if ok, err := repo.TryClaim(ctx, blocker.ID, QueueIncoming, blocker.Version, QueueClaimed, "a", "o", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("claim blocker ok=%v err=%v", ok, err)
	}
	if ok, err := repo.TrySubmit(ctx, blocker.ID, 2, QueueProvisional, 1, 5, "", "", time.Now()); err != nil || !ok {
		t.Fatalf("submit blocker ok=%v err=%v", ok, err)
	}
	if ok, err := repo.TryAccept(ctx, blocker.ID, 3, time.Now()); err != nil || !ok {
		t.Fatalf("accept blocker ok=%v err=%v", ok, err)
	}

	unblocked, err := repo.UnblockDependents(ctx, blocker.ID)
	if err != nil {
		t.Fatalf("UnblockDependents() error = %v", err)
	}
	if len(unblocked) != 1 || unblocked[0] != dependent.ID {
		t.Fatalf("unblocked = %#v", unblocked)
	}

	got, err := repo.Get(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Queue != QueueIncoming || got.BlockedBy != "" {
		t.Fatalf("dependent after unblock = %#v", got)
	}
}

func TestTaskHistoryRepoAppendAndList(t *testing.T) {
	database, _ := openTestDB(t)
	taskRepo := NewTaskRepo(database.SQL())
	historyRepo := NewTaskHistoryRepo(database.SQL())
	ctx := context.Background()

	task := &Task{Scope: "s", Branch: "main"}
	if err := taskRepo.Create(ctx, task); err != nil {
		t.Fatalf("create task error = %v", err)
	}

	if err := historyRepo.Append(ctx, &TaskHistory{TaskID: task.ID, Event: "created"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := historyRepo.Append(ctx, &TaskHistory{TaskID: task.ID, Event: "claimed", Agent: "agent-a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := historyRepo.ListByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListByTask() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Event != "created" || entries[1].Event != "claimed" {
		t.Fatalf("entries = %#v", entries)
	}

	if err := taskRepo.Delete(ctx, task.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	afterDelete, err := historyRepo.ListByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListByTask() after delete error = %v", err)
	}
	if len(afterDelete) != 0 {
		t.Fatalf("history after cascade delete = %#v, want empty", afterDelete)
	}
}

func TestOrchestratorRepoRegisterHeartbeatAndStale(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewOrchestratorRepo(database.SQL())
	ctx := context.Background()

	o := &Orchestrator{ID: "cluster1-machine1", Cluster: "cluster1", MachineID: "machine1", Scope: "team-a"}
	if err := repo.Register(ctx, o); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != OrchestratorActive {
		t.Fatalf("Get() got = %#v", got)
	}

	if ok, err := repo.Heartbeat(ctx, o.ID, time.Now()); err != nil || !ok {
		t.Fatalf("Heartbeat() ok=%v err=%v", ok, err)
	}

	stale, err := repo.MarkStaleOffline(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}
	if len(stale) != 1 || stale[0] != o.ID {
		t.Fatalf("stale = %#v", stale)
	}

	after, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get() after stale error = %v", err)
	}
	if after.Status != OrchestratorOffline {
		t.Fatalf("Status = %q, want offline", after.Status)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	ids := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if _, exists := ids[id]; exists {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		ids[id] = struct{}{}
	}
}
