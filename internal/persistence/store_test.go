package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/apprapid/missionctl/internal/bus"
)

func newTestStore(t *testing.T, b *bus.Bus) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	store.Close()

	// Reopen against the same file; migrations must not reapply.
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store.Close()

	var version int
	if err := store.DB().QueryRow(`SELECT MAX(version) FROM schema_meta;`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != schemaVersionLatest {
		t.Fatalf("schema version = %d, want %d", version, schemaVersionLatest)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	task := &Task{Title: "Fix login", Description: "SSO is broken", Priority: PriorityHigh}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task ID not generated")
	}
	if task.Status != StatusEarlyIntake {
		t.Fatalf("status = %q, want default early-intake", task.Status)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Fix login" || got.Priority != PriorityHigh {
		t.Fatalf("got = %+v", got)
	}
	if got.WorkspaceID != "default" {
		t.Fatalf("workspace = %q, want default", got.WorkspaceID)
	}
}

func TestCreateTask_RequiresTitle(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.CreateTask(context.Background(), &Task{Title: "   "}); err == nil {
		t.Fatal("expected error for blank title")
	}
}

func TestCreateTask_RejectsUnknownStatus(t *testing.T) {
	store := newTestStore(t, nil)
	err := store.CreateTask(context.Background(), &Task{Title: "x", Status: "shipped"})
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestGetTaskByTitle(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.CreateTask(ctx, &Task{Title: "Fix login"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetTaskByTitle(ctx, "default", "Fix login")
	if err != nil {
		t.Fatalf("get by title: %v", err)
	}
	if got.Title != "Fix login" {
		t.Fatalf("title = %q", got.Title)
	}

	if _, err := store.GetTaskByTitle(ctx, "default", "No such task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Exact match only.
	if _, err := store.GetTaskByTitle(ctx, "default", "fix login"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("case-insensitive match should not correlate, err = %v", err)
	}
}

func TestUpdateTask_Partial(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	task := &Task{Title: "Fix login"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	status := StatusActive
	updated, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusActive {
		t.Fatalf("status = %q, want active", updated.Status)
	}
	if updated.Title != "Fix login" {
		t.Fatalf("title changed unexpectedly: %q", updated.Title)
	}
	if !updated.UpdatedAt.After(task.UpdatedAt) && !updated.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("updated_at went backward: %v -> %v", task.UpdatedAt, updated.UpdatedAt)
	}
}

func TestUpdateTask_ClearsOriginTag(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	task := &Task{Title: "Pulled task", SyncSource: BridgeSource}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A plain local edit must clear the bridge origin tag.
	title := "Pulled task (renamed)"
	updated, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SyncSource != "" {
		t.Fatalf("sync_source = %q, want cleared", updated.SyncSource)
	}

	// A bridge write keeps its tag.
	src := BridgeSource
	desc := "from crm"
	updated, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Description: &desc, SyncSource: &src})
	if err != nil {
		t.Fatalf("bridge update: %v", err)
	}
	if updated.SyncSource != BridgeSource {
		t.Fatalf("sync_source = %q, want %q", updated.SyncSource, BridgeSource)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	store := newTestStore(t, nil)
	status := StatusActive
	if _, err := store.UpdateTask(context.Background(), "missing", TaskUpdate{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTask_Cascades(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	task := &Task{Title: "Doomed"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.InsertActivity(ctx, &Activity{TaskID: task.ID, Message: "started"}); err != nil {
		t.Fatalf("activity: %v", err)
	}
	if err := store.InsertEvent(ctx, "task_status_changed", "", task.ID, "moved"); err != nil {
		t.Fatalf("event: %v", err)
	}

	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task still present: %v", err)
	}
	acts, err := store.ListActivities(ctx, task.ID)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(acts) != 0 {
		t.Fatalf("activities not cascaded: %d left", len(acts))
	}
}

func TestMutationsPublishBusEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	store := newTestStore(t, b)
	ctx := context.Background()

	task := &Task{Title: "Watched"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case event := <-sub.Ch():
		if event.Topic != bus.TopicTaskCreated {
			t.Fatalf("topic = %q, want task.created", event.Topic)
		}
		payload := event.Payload.(bus.TaskEvent)
		if payload.TaskID != task.ID || payload.SyncSource != "" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.created event")
	}

	status := StatusPlanning
	if _, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Status: &status}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case event := <-sub.Ch():
		if event.Topic != bus.TopicTaskUpdated {
			t.Fatalf("topic = %q, want task.updated", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.updated event")
	}
}

func TestListTasks_FilterAndPaging(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		status := StatusActive
		if i == 2 {
			status = StatusComplete
		}
		if err := store.CreateTask(ctx, &Task{Title: "T" + string(rune('A'+i)), Status: status}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	active, total, err := store.ListTasks(ctx, string(StatusActive), 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(active) != 2 {
		t.Fatalf("active: total=%d len=%d, want 2/2", total, len(active))
	}

	all, total, err := store.ListTasks(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 3 || len(all) != 2 {
		t.Fatalf("paged: total=%d len=%d, want 3/2", total, len(all))
	}
}

func TestSeedAgents_Idempotent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.SeedAgents(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.SeedAgents(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != len(defaultRoster) {
		t.Fatalf("agents = %d, want %d", len(agents), len(defaultRoster))
	}

	charlie, err := store.GetAgentByName(ctx, "Charlie")
	if err != nil {
		t.Fatalf("get Charlie: %v", err)
	}
	if !charlie.IsMaster {
		t.Fatal("Charlie should be the master agent")
	}
}

func TestGetTaskByCRMID(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	task := &Task{Title: "Linked", CRMTaskID: "crm-123"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetTaskByCRMID(ctx, "crm-123")
	if err != nil {
		t.Fatalf("get by crm id: %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("got %q, want %q", got.ID, task.ID)
	}

	if _, err := store.GetTaskByCRMID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty crm id must not match, err = %v", err)
	}
}

func TestSetTaskCRMID_NoEventNoTimestampBump(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	store := newTestStore(t, b)
	ctx := context.Background()

	task := &Task{Title: "Quiet"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	<-sub.Ch() // drain task.created

	if err := store.SetTaskCRMID(ctx, task.ID, "crm-9"); err != nil {
		t.Fatalf("set crm id: %v", err)
	}

	select {
	case event := <-sub.Ch():
		t.Fatalf("unexpected event %q from SetTaskCRMID", event.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CRMTaskID != "crm-9" {
		t.Fatalf("crm id = %q", got.CRMTaskID)
	}
	if !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("updated_at bumped by cross-ref bookkeeping: %v -> %v", task.UpdatedAt, got.UpdatedAt)
	}
}
