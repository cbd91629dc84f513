package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/apprapid/missionctl/internal/crm"
	otelx "github.com/apprapid/missionctl/internal/otel"
	"github.com/apprapid/missionctl/internal/persistence"
	"github.com/apprapid/missionctl/internal/shared"
)

// RemoteStore is the slice of the CRM API the sync engine needs.
// *crm.Client is the production implementation.
type RemoteStore interface {
	QueryTasksSince(ctx context.Context, since time.Time, excludeSource string, limit int) ([]crm.RemoteTask, error)
	QueryAllTasks(ctx context.Context, limit, offset int) ([]crm.RemoteTask, error)
	GetTaskByMCID(ctx context.Context, mcID string) (*crm.RemoteTask, error)
	InsertTask(ctx context.Context, task crm.RemoteTask) error
	UpdateTaskByMCID(ctx context.Context, mcID string, fields map[string]any) error
	UpdateTaskFields(ctx context.Context, id string, fields map[string]any) error
	InsertAgentActivity(ctx context.Context, activity crm.AgentActivity) error
	CountTasks(ctx context.Context) (int64, error)
}

// Outcome classifies a single sync operation.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// PushResult is the outcome of pushing one local task to the CRM.
type PushResult struct {
	Outcome  Outcome `json:"outcome"`
	RemoteID string  `json:"crm_task_id,omitempty"`
	Err      string  `json:"error,omitempty"`
}

// PullResult is the outcome of applying one remote record locally.
type PullResult struct {
	Outcome Outcome `json:"outcome"`
	TaskID  string  `json:"task_id,omitempty"`
	Err     string  `json:"error,omitempty"`
}

// Engine carries out individual push and pull operations. It owns the
// vocabulary translation, correlation, origin tagging and dedup marking;
// scheduling lives in the Service and the Poller.
type Engine struct {
	store    *persistence.Store
	remote   RemoteStore
	guard    *Guard
	resolver *Resolver
	agencyID string
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	now      func() time.Time
}

// NewEngine creates a sync engine. remote may be nil when the bridge is not
// configured; every operation then reports failure without side effects.
// tracer and metrics may be nil.
func NewEngine(store *persistence.Store, remote RemoteStore, guard *Guard, agencyID string, logger *slog.Logger, tracer trace.Tracer, metrics *otelx.Metrics) *Engine {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Engine{
		store:    store,
		remote:   remote,
		guard:    guard,
		resolver: NewResolver(store),
		agencyID: agencyID,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Configured reports whether a remote endpoint is wired in.
func (e *Engine) Configured() bool { return e.remote != nil }

// PushTask mirrors one local task to the CRM: update in place when a remote
// row already carries the local cross-reference, insert otherwise. A
// successful push marks both direction keys so the echo pull inside the
// window is suppressed.
func (e *Engine) PushTask(ctx context.Context, task *persistence.Task) PushResult {
	if e.remote == nil {
		return PushResult{Outcome: OutcomeFailed, Err: "bridge not configured"}
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otelx.StartSpan(ctx, e.tracer, "bridge.push",
		otelx.AttrTaskID.String(task.ID),
		otelx.AttrDirection.String(string(DirectionPush)),
	)
	defer span.End()

	key := DedupKey(DirectionPush, task.ID)
	if e.guard.WasRecent(key) {
		e.countSkip(ctx)
		span.SetAttributes(otelx.AttrOutcome.String(string(OutcomeSkipped)))
		e.logger.Debug("push suppressed by dedup guard", "task_id", task.ID)
		return PushResult{Outcome: OutcomeSkipped}
	}

	fields := map[string]any{
		"title":          task.Title,
		"description":    task.Description,
		"status":         LocalStatusToCRM(task.Status),
		"priority":       LocalPriorityToCRM(task.Priority),
		"assigned_agent": e.remoteAgentFor(ctx, task.AssignedAgentID),
		"mc_task_id":     task.ID,
		"mc_status":      string(task.Status),
		"sync_source":    persistence.BridgeSource,
		"agency_id":      e.agencyID,
		"updated_at":     e.now().UTC().Format(time.RFC3339Nano),
	}
	if task.DueDate != "" {
		fields["due_date"] = task.DueDate
	}

	existing, err := e.remote.GetTaskByMCID(ctx, task.ID)
	if err != nil {
		return e.pushFailed(ctx, span, task.ID, err)
	}

	var outcome Outcome
	var remoteID string
	if existing != nil {
		if err := e.remote.UpdateTaskByMCID(ctx, task.ID, fields); err != nil {
			return e.pushFailed(ctx, span, task.ID, err)
		}
		outcome = OutcomeUpdated
		remoteID = existing.ID
	} else {
		record := crm.RemoteTask{
			ID:            uuid.NewString(),
			Title:         task.Title,
			Description:   task.Description,
			Status:        LocalStatusToCRM(task.Status),
			Priority:      LocalPriorityToCRM(task.Priority),
			AssignedAgent: e.remoteAgentFor(ctx, task.AssignedAgentID),
			MCTaskID:      task.ID,
			MCStatus:      string(task.Status),
			SyncSource:    persistence.BridgeSource,
			AgencyID:      e.agencyID,
			DueDate:       task.DueDate,
			CreatedAt:     e.now().UTC(),
			UpdatedAt:     e.now().UTC(),
		}
		if err := e.remote.InsertTask(ctx, record); err != nil {
			return e.pushFailed(ctx, span, task.ID, err)
		}
		outcome = OutcomeCreated
		remoteID = record.ID
	}

	// Keep the local cross-reference current so later pulls resolve on the
	// fast path without the title fallback.
	if task.CRMTaskID != remoteID {
		if err := e.store.SetTaskCRMID(ctx, task.ID, remoteID); err != nil {
			e.logger.Warn("failed to record crm cross-reference", "task_id", task.ID, "error", err)
		}
	}

	e.guard.Mark(key)
	e.guard.Mark(DedupKey(DirectionPull, remoteID))
	if e.metrics != nil {
		e.metrics.BridgePushes.Add(ctx, 1)
	}
	span.SetAttributes(
		otelx.AttrOutcome.String(string(outcome)),
		otelx.AttrRemoteID.String(remoteID),
	)
	e.logger.Info("pushed task to crm",
		"task_id", task.ID,
		"crm_task_id", remoteID,
		"outcome", string(outcome),
		"status", string(task.Status),
		"trace_id", shared.TraceID(ctx),
	)
	return PushResult{Outcome: outcome, RemoteID: remoteID}
}

func (e *Engine) pushFailed(ctx context.Context, span trace.Span, taskID string, err error) PushResult {
	e.countError(ctx)
	span.SetAttributes(otelx.AttrOutcome.String(string(OutcomeFailed)))
	span.RecordError(err)
	e.logger.Error("push to crm failed", "task_id", taskID, "error", err)
	return PushResult{Outcome: OutcomeFailed, Err: err.Error()}
}

// PullRecord applies one remote record to the local store. Records carrying
// the bridge's own origin tag and records whose pull key is inside the dedup
// window are skipped. Writes land with the origin tag set so the resulting
// change event is recognizable as bridge-made, and both direction keys are
// marked so the echo push is suppressed.
func (e *Engine) PullRecord(ctx context.Context, remote crm.RemoteTask) PullResult {
	if e.remote == nil {
		return PullResult{Outcome: OutcomeFailed, Err: "bridge not configured"}
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otelx.StartSpan(ctx, e.tracer, "bridge.pull",
		otelx.AttrRemoteID.String(remote.ID),
		otelx.AttrDirection.String(string(DirectionPull)),
	)
	defer span.End()

	if remote.SyncSource == persistence.BridgeSource {
		e.countSkip(ctx)
		span.SetAttributes(otelx.AttrOutcome.String(string(OutcomeSkipped)))
		return PullResult{Outcome: OutcomeSkipped}
	}
	key := DedupKey(DirectionPull, remote.ID)
	if e.guard.WasRecent(key) {
		e.countSkip(ctx)
		span.SetAttributes(otelx.AttrOutcome.String(string(OutcomeSkipped)))
		e.logger.Debug("pull suppressed by dedup guard", "crm_task_id", remote.ID)
		return PullResult{Outcome: OutcomeSkipped}
	}

	status := CRMStatusToLocal(remote.Status)
	priority := CRMPriorityToLocal(remote.Priority)
	agentID := e.localAgentFor(ctx, remote.AssignedAgent)

	corr, err := e.resolver.Resolve(ctx, remote)
	if err != nil {
		return e.pullFailed(ctx, span, remote.ID, err)
	}

	source := persistence.BridgeSource
	if corr != nil {
		upd := persistence.TaskUpdate{
			Status:     &status,
			Priority:   &priority,
			CRMTaskID:  &remote.ID,
			SyncSource: &source,
		}
		if remote.Description != "" {
			upd.Description = &remote.Description
		}
		if agentID != "" {
			upd.AssignedAgentID = &agentID
		}
		if remote.DueDate != "" {
			upd.DueDate = &remote.DueDate
		}
		if _, err := e.store.UpdateTask(ctx, corr.Task.ID, upd); err != nil {
			return e.pullFailed(ctx, span, remote.ID, err)
		}
		if corr.ByTitle {
			// Title fallback matched: heal the remote record so the next
			// sync resolves by cross-reference.
			healed := map[string]any{"mc_task_id": corr.Task.ID}
			if err := e.remote.UpdateTaskFields(ctx, remote.ID, healed); err != nil {
				e.logger.Warn("failed to write cross-reference back to crm",
					"crm_task_id", remote.ID, "task_id", corr.Task.ID, "error", err)
			}
		}
		e.finishPull(ctx, span, key, corr.Task.ID, OutcomeUpdated)
		e.logger.Info("pulled task from crm",
			"task_id", corr.Task.ID,
			"crm_task_id", remote.ID,
			"outcome", string(OutcomeUpdated),
			"by_title", corr.ByTitle,
			"trace_id", shared.TraceID(ctx),
		)
		return PullResult{Outcome: OutcomeUpdated, TaskID: corr.Task.ID}
	}

	task := &persistence.Task{
		WorkspaceID:     shared.DefaultWorkspaceID,
		Title:           remote.Title,
		Description:     remote.Description,
		Status:          status,
		Priority:        priority,
		AssignedAgentID: agentID,
		CRMTaskID:       remote.ID,
		SyncSource:      persistence.BridgeSource,
		DueDate:         remote.DueDate,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return e.pullFailed(ctx, span, remote.ID, err)
	}
	healed := map[string]any{
		"mc_task_id":  task.ID,
		"sync_source": persistence.BridgeSource,
	}
	if err := e.remote.UpdateTaskFields(ctx, remote.ID, healed); err != nil {
		e.logger.Warn("failed to write cross-reference back to crm",
			"crm_task_id", remote.ID, "task_id", task.ID, "error", err)
	}
	e.finishPull(ctx, span, key, task.ID, OutcomeCreated)
	e.logger.Info("pulled task from crm",
		"task_id", task.ID,
		"crm_task_id", remote.ID,
		"outcome", string(OutcomeCreated),
		"trace_id", shared.TraceID(ctx),
	)
	return PullResult{Outcome: OutcomeCreated, TaskID: task.ID}
}

func (e *Engine) finishPull(ctx context.Context, span trace.Span, pullKey, taskID string, outcome Outcome) {
	e.guard.Mark(pullKey)
	e.guard.Mark(DedupKey(DirectionPush, taskID))
	if e.metrics != nil {
		e.metrics.BridgePulls.Add(ctx, 1)
	}
	span.SetAttributes(
		otelx.AttrOutcome.String(string(outcome)),
		otelx.AttrTaskID.String(taskID),
	)
}

func (e *Engine) pullFailed(ctx context.Context, span trace.Span, remoteID string, err error) PullResult {
	e.countError(ctx)
	span.SetAttributes(otelx.AttrOutcome.String(string(OutcomeFailed)))
	span.RecordError(err)
	e.logger.Error("pull from crm failed", "crm_task_id", remoteID, "error", err)
	return PullResult{Outcome: OutcomeFailed, Err: err.Error()}
}

// PushAgentActivity mirrors a local agent lifecycle event into the CRM
// activity feed. Failures are logged, never propagated; the feed is
// best-effort.
func (e *Engine) PushAgentActivity(ctx context.Context, agentName, status, message, taskID string) {
	if e.remote == nil {
		return
	}
	crmID := AgentNameToCRMID(agentName)
	if crmID == "" {
		e.logger.Debug("agent has no crm identity, activity not mirrored", "agent", agentName)
		return
	}
	activity := crm.AgentActivity{
		ID:           uuid.NewString(),
		AgentID:      crmID,
		Status:       status,
		Task:         message,
		ActivityType: "task_update",
		Message:      message,
		TaskID:       taskID,
		SyncSource:   persistence.BridgeSource,
		UpdatedAt:    e.now().UTC(),
	}
	if err := e.remote.InsertAgentActivity(ctx, activity); err != nil {
		e.logger.Warn("failed to mirror agent activity to crm",
			"agent", agentName, "task_id", taskID, "error", err)
	}
}

// remoteAgentFor resolves a local agent ID to its CRM identity token.
func (e *Engine) remoteAgentFor(ctx context.Context, agentID string) string {
	if agentID == "" {
		return ""
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("agent lookup failed", "agent_id", agentID, "error", err)
		}
		return ""
	}
	return AgentNameToCRMID(agent.Name)
}

// localAgentFor resolves a CRM identity token to a local agent ID.
func (e *Engine) localAgentFor(ctx context.Context, crmID string) string {
	name := CRMIDToAgentName(crmID)
	if name == "" {
		return ""
	}
	agent, err := e.store.GetAgentByName(ctx, name)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			e.logger.Warn("agent lookup failed", "agent", name, "error", err)
		}
		return ""
	}
	return agent.ID
}

func (e *Engine) countSkip(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.BridgeSkips.Add(ctx, 1)
	}
}

func (e *Engine) countError(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.BridgeErrors.Add(ctx, 1)
	}
}
