package bridge

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/apprapid/missionctl/internal/crm"
	"github.com/apprapid/missionctl/internal/persistence"
)

// fakeRemote is an in-memory stand-in for the CRM REST API.
type fakeRemote struct {
	mu         sync.Mutex
	tasks      map[string]crm.RemoteTask
	activities []crm.AgentActivity
	queryErr   error
	inserts    int
	updates    int
	patches    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tasks: make(map[string]crm.RemoteTask)}
}

func (f *fakeRemote) sorted() []crm.RemoteTask {
	out := make([]crm.RemoteTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

func (f *fakeRemote) QueryTasksSince(_ context.Context, since time.Time, excludeSource string, limit int) ([]crm.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []crm.RemoteTask
	for _, t := range f.sorted() {
		if !t.UpdatedAt.After(since) {
			continue
		}
		if excludeSource != "" && t.SyncSource == excludeSource {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRemote) QueryAllTasks(_ context.Context, limit, offset int) ([]crm.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	all := f.sorted()
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeRemote) GetTaskByMCID(_ context.Context, mcID string) (*crm.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.MCTaskID == mcID {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) InsertTask(_ context.Context, task crm.RemoteTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeRemote) UpdateTaskByMCID(_ context.Context, mcID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for id, t := range f.tasks {
		if t.MCTaskID == mcID {
			applyFields(&t, fields)
			f.tasks[id] = t
		}
	}
	return nil
}

func (f *fakeRemote) UpdateTaskFields(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches++
	if t, ok := f.tasks[id]; ok {
		applyFields(&t, fields)
		f.tasks[id] = t
	}
	return nil
}

func (f *fakeRemote) InsertAgentActivity(_ context.Context, activity crm.AgentActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeRemote) CountTasks(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tasks)), nil
}

func (f *fakeRemote) get(id string) (crm.RemoteTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeRemote) put(t crm.RemoteTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func applyFields(t *crm.RemoteTask, fields map[string]any) {
	for k, v := range fields {
		s, _ := v.(string)
		switch k {
		case "title":
			t.Title = s
		case "description":
			t.Description = s
		case "status":
			t.Status = s
		case "priority":
			t.Priority = s
		case "assigned_agent":
			t.AssignedAgent = s
		case "mc_task_id":
			t.MCTaskID = s
		case "mc_status":
			t.MCStatus = s
		case "sync_source":
			t.SyncSource = s
		case "due_date":
			t.DueDate = s
		case "updated_at":
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				t.UpdatedAt = ts
			}
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBridgeStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SeedAgents(context.Background()); err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *persistence.Store, remote RemoteStore) *Engine {
	t.Helper()
	guard := NewGuard(30 * time.Second)
	return NewEngine(store, remote, guard, "apprapid", testLogger(), nil, nil)
}

func agentID(t *testing.T, store *persistence.Store, name string) string {
	t.Helper()
	agent, err := store.GetAgentByName(context.Background(), name)
	if err != nil {
		t.Fatalf("get agent %s: %v", name, err)
	}
	return agent.ID
}

func TestPushTask_CreatesRemoteRecord(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	status := persistence.StatusReview
	task := &persistence.Task{
		Title:           "Ship billing export",
		Status:          status,
		Priority:        persistence.PriorityNormal,
		AssignedAgentID: agentID(t, store, "Radu"),
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &status}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	task, _ = store.GetTask(ctx, task.ID)

	res := engine.PushTask(ctx, task)
	if res.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %s, want created (%s)", res.Outcome, res.Err)
	}

	record, ok := remote.get(res.RemoteID)
	if !ok {
		t.Fatal("remote record not created")
	}
	if record.Status != crm.StatusDoing {
		t.Errorf("remote status = %q, want doing", record.Status)
	}
	if record.Priority != "medium" {
		t.Errorf("remote priority = %q, want medium", record.Priority)
	}
	if record.AssignedAgent != "BUILDER" {
		t.Errorf("remote agent = %q, want BUILDER", record.AssignedAgent)
	}
	if record.MCTaskID != task.ID {
		t.Errorf("cross-reference = %q, want %q", record.MCTaskID, task.ID)
	}
	if record.MCStatus != string(persistence.StatusReview) {
		t.Errorf("mc_status = %q, want review", record.MCStatus)
	}
	if record.SyncSource != persistence.BridgeSource {
		t.Errorf("origin tag = %q, want %q", record.SyncSource, persistence.BridgeSource)
	}
	if record.AgencyID != "apprapid" {
		t.Errorf("agency = %q, want apprapid", record.AgencyID)
	}

	local, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if local.CRMTaskID != res.RemoteID {
		t.Errorf("local cross-reference = %q, want %q", local.CRMTaskID, res.RemoteID)
	}
}

func TestPushTask_RepeatWithinWindowSkipped(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	task := &persistence.Task{Title: "One push only"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if res := engine.PushTask(ctx, task); res.Outcome != OutcomeCreated {
		t.Fatalf("first push = %s, want created", res.Outcome)
	}
	if res := engine.PushTask(ctx, task); res.Outcome != OutcomeSkipped {
		t.Fatalf("second push = %s, want skipped", res.Outcome)
	}
	if remote.inserts != 1 {
		t.Fatalf("inserts = %d, want 1", remote.inserts)
	}
}

func TestPushTask_UpdatesExistingRemote(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	task := &persistence.Task{Title: "Existing on both sides"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	remote.put(crm.RemoteTask{
		ID:        "crm-1",
		Title:     "Existing on both sides",
		Status:    crm.StatusTodo,
		MCTaskID:  task.ID,
		UpdatedAt: time.Now().Add(-time.Hour),
	})

	res := engine.PushTask(ctx, task)
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated (%s)", res.Outcome, res.Err)
	}
	if res.RemoteID != "crm-1" {
		t.Fatalf("remote id = %q, want crm-1", res.RemoteID)
	}
	if remote.inserts != 0 || remote.updates != 1 {
		t.Fatalf("inserts = %d updates = %d, want 0/1", remote.inserts, remote.updates)
	}

	local, _ := store.GetTask(ctx, task.ID)
	if local.CRMTaskID != "crm-1" {
		t.Errorf("local cross-reference = %q, want crm-1", local.CRMTaskID)
	}
}

func TestPushThenEchoPullSuppressed(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	status := persistence.StatusReview
	task := &persistence.Task{Title: "Review me"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &status}); err != nil {
		t.Fatalf("set status: %v", err)
	}
	task, _ = store.GetTask(ctx, task.ID)

	res := engine.PushTask(ctx, task)
	if res.Outcome != OutcomeCreated {
		t.Fatalf("push = %s, want created", res.Outcome)
	}

	// The pushed record carries the origin tag.
	echo, _ := remote.get(res.RemoteID)
	if got := engine.PullRecord(ctx, echo); got.Outcome != OutcomeSkipped {
		t.Fatalf("tagged echo pull = %s, want skipped", got.Outcome)
	}

	// Even without the tag, the pull key marked at push time suppresses it.
	echo.SyncSource = "crm"
	if got := engine.PullRecord(ctx, echo); got.Outcome != OutcomeSkipped {
		t.Fatalf("untagged echo pull = %s, want skipped", got.Outcome)
	}

	local, _ := store.GetTask(ctx, task.ID)
	if local.Status != persistence.StatusReview {
		t.Fatalf("local status regressed to %q", local.Status)
	}
}

func TestPullRecord_CreatesLocalTask(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	record := crm.RemoteTask{
		ID:            "crm-9",
		Title:         "Inbound from CRM",
		Description:   "Seen remotely first",
		Status:        crm.StatusDoing,
		Priority:      "high",
		AssignedAgent: "BUILDER",
		SyncSource:    "crm",
		UpdatedAt:     time.Now(),
	}
	remote.put(record)

	res := engine.PullRecord(ctx, record)
	if res.Outcome != OutcomeCreated {
		t.Fatalf("outcome = %s, want created (%s)", res.Outcome, res.Err)
	}

	local, err := store.GetTask(ctx, res.TaskID)
	if err != nil {
		t.Fatalf("load created task: %v", err)
	}
	if local.Status != persistence.StatusActive {
		t.Errorf("status = %q, want active", local.Status)
	}
	if local.Priority != persistence.PriorityHigh {
		t.Errorf("priority = %q, want high", local.Priority)
	}
	if local.AssignedAgentID != agentID(t, store, "Radu") {
		t.Errorf("assigned agent = %q, want Radu's id", local.AssignedAgentID)
	}
	if local.CRMTaskID != "crm-9" {
		t.Errorf("cross-reference = %q, want crm-9", local.CRMTaskID)
	}
	if local.SyncSource != persistence.BridgeSource {
		t.Errorf("origin tag = %q, want %q", local.SyncSource, persistence.BridgeSource)
	}

	healed, _ := remote.get("crm-9")
	if healed.MCTaskID != local.ID {
		t.Errorf("remote cross-reference = %q, want %q", healed.MCTaskID, local.ID)
	}
}

func TestPullRecord_TitleFallbackHealsRemote(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	task := &persistence.Task{Title: "Fix login"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	record := crm.RemoteTask{
		ID:         "crm-5",
		Title:      "Fix login",
		Status:     crm.StatusDone,
		SyncSource: "crm",
		UpdatedAt:  time.Now(),
	}
	remote.put(record)

	res := engine.PullRecord(ctx, record)
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated (%s)", res.Outcome, res.Err)
	}
	if res.TaskID != task.ID {
		t.Fatalf("matched task = %q, want %q", res.TaskID, task.ID)
	}

	local, _ := store.GetTask(ctx, task.ID)
	if local.Status != persistence.StatusComplete {
		t.Errorf("status = %q, want complete", local.Status)
	}
	if local.CRMTaskID != "crm-5" {
		t.Errorf("local cross-reference = %q, want crm-5", local.CRMTaskID)
	}

	healed, _ := remote.get("crm-5")
	if healed.MCTaskID != task.ID {
		t.Errorf("remote cross-reference not healed, got %q", healed.MCTaskID)
	}
}

func TestPullRecord_StaleCrossRefFallsBackToTitle(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	task := &persistence.Task{Title: "Orphaned pointer"}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	record := crm.RemoteTask{
		ID:         "crm-7",
		Title:      "Orphaned pointer",
		Status:     crm.StatusDoing,
		MCTaskID:   "no-such-task",
		SyncSource: "crm",
		UpdatedAt:  time.Now(),
	}
	remote.put(record)

	res := engine.PullRecord(ctx, record)
	if res.Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %s, want updated (%s)", res.Outcome, res.Err)
	}
	if res.TaskID != task.ID {
		t.Fatalf("matched task = %q, want %q", res.TaskID, task.ID)
	}
}

func TestPullThenEchoPushSuppressed(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	record := crm.RemoteTask{
		ID:         "crm-3",
		Title:      "Round trip",
		Status:     crm.StatusTodo,
		SyncSource: "crm",
		UpdatedAt:  time.Now(),
	}
	remote.put(record)

	res := engine.PullRecord(ctx, record)
	if res.Outcome != OutcomeCreated {
		t.Fatalf("pull = %s, want created", res.Outcome)
	}

	// The pull caused a local change event; the resulting push attempt must
	// find its key marked and skip.
	local, _ := store.GetTask(ctx, res.TaskID)
	if got := engine.PushTask(ctx, local); got.Outcome != OutcomeSkipped {
		t.Fatalf("echo push = %s, want skipped", got.Outcome)
	}
	if remote.inserts != 0 {
		t.Fatalf("echo push inserted a remote record")
	}
}

func TestPushTask_Unconfigured(t *testing.T) {
	store := newBridgeStore(t)
	engine := newTestEngine(t, store, nil)

	task := &persistence.Task{Title: "Nowhere to go"}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	res := engine.PushTask(context.Background(), task)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
}

func TestPushAgentActivity(t *testing.T) {
	store := newBridgeStore(t)
	remote := newFakeRemote()
	engine := newTestEngine(t, store, remote)
	ctx := context.Background()

	engine.PushAgentActivity(ctx, "Radu", "working", "Building the export", "t1")
	if len(remote.activities) != 1 {
		t.Fatalf("activities = %d, want 1", len(remote.activities))
	}
	got := remote.activities[0]
	if got.AgentID != "BUILDER" {
		t.Errorf("agent id = %q, want BUILDER", got.AgentID)
	}
	if got.SyncSource != persistence.BridgeSource {
		t.Errorf("origin tag = %q, want %q", got.SyncSource, persistence.BridgeSource)
	}
	if got.ActivityType != "task_update" {
		t.Errorf("activity type = %q, want task_update", got.ActivityType)
	}

	// Charlie has no CRM identity; nothing is mirrored.
	engine.PushAgentActivity(ctx, "Charlie", "working", "Coordinating", "t2")
	if len(remote.activities) != 1 {
		t.Fatalf("unmapped agent mirrored, activities = %d", len(remote.activities))
	}
}
