package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/apprapid/missionctl/internal/bus"
	"github.com/apprapid/missionctl/internal/crm"
	otelx "github.com/apprapid/missionctl/internal/otel"
	"github.com/apprapid/missionctl/internal/persistence"
)

// ServiceConfig holds the dependencies and tuning for the bridge service.
type ServiceConfig struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Remote  RemoteStore // nil when the CRM endpoint is not configured
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelx.Metrics

	AgencyID          string
	DedupWindow       time.Duration // defaults to 30s if zero
	PollInterval      time.Duration // defaults to 30s if zero
	PullBatchSize     int           // defaults to 50 if zero
	ReconcileSchedule string        // optional cron expression
	PushQueueSize     int           // defaults to 64 if zero
	PushWorkers       int           // defaults to 2 if zero
}

type jobKind int

const (
	jobPushTask jobKind = iota
	jobAgentActivity
)

func (k jobKind) String() string {
	switch k {
	case jobPushTask:
		return "task_push"
	case jobAgentActivity:
		return "agent_activity"
	default:
		return "unknown"
	}
}

type pushJob struct {
	kind    jobKind
	taskID  string
	agent   string
	status  string
	message string
}

// Service is the bridge's lifecycle owner. It subscribes to the event bus,
// stays dormant until the first event arrives, then starts the dedup sweep
// and the pull poller and fans local changes out to a small push worker
// pool. An unconfigured bridge consumes events and does nothing.
type Service struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelx.Metrics

	engine *Engine
	guard  *Guard
	poller *Poller

	queue   chan pushJob
	workers int

	activateOnce  sync.Once
	activated     atomic.Bool
	notConfigured sync.Once

	runCtx context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
	wg     sync.WaitGroup
}

// NewService wires up the bridge. Returns an error only for an invalid
// reconcile schedule.
func NewService(cfg ServiceConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	queueSize := cfg.PushQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	workers := cfg.PushWorkers
	if workers <= 0 {
		workers = 2
	}

	guard := NewGuard(window)
	engine := NewEngine(cfg.Store, cfg.Remote, guard, cfg.AgencyID, logger, cfg.Tracer, cfg.Metrics)
	poller, err := NewPoller(PollerConfig{
		Engine:            engine,
		Remote:            cfg.Remote,
		Guard:             guard,
		Logger:            logger,
		Metrics:           cfg.Metrics,
		Interval:          cfg.PollInterval,
		BatchSize:         cfg.PullBatchSize,
		ReconcileSchedule: cfg.ReconcileSchedule,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
		engine:  engine,
		guard:   guard,
		poller:  poller,
		queue:   make(chan pushJob, queueSize),
		workers: workers,
	}, nil
}

// Run subscribes to the bus and starts the event loop and push workers.
// The poller and dedup sweep start lazily on the first event.
func (s *Service) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx = ctx
	s.sub = s.bus.Subscribe("")

	s.wg.Add(1)
	go s.eventLoop(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("bridge service running", "configured", s.engine.Configured(), "workers", s.workers)
}

// Close shuts down the event loop, workers, poller and sweep.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.wg.Wait()
	s.poller.Stop()
	s.guard.Stop()
}

func (s *Service) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent routes one bus event into the bridge. It never panics; a bad
// payload is logged and dropped.
func (s *Service) HandleEvent(ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bridge event handler panic", "topic", ev.Topic, "panic", r)
		}
	}()

	if !s.engine.Configured() {
		s.notConfigured.Do(func() {
			s.logger.Info("crm bridge not configured, sync disabled")
		})
		return
	}
	s.ensureActivated()

	switch ev.Topic {
	case bus.TopicTaskCreated, bus.TopicTaskUpdated:
		payload, ok := ev.Payload.(bus.TaskEvent)
		if !ok {
			s.logger.Warn("unexpected payload on task topic", "topic", ev.Topic)
			return
		}
		s.enqueue(pushJob{kind: jobPushTask, taskID: payload.TaskID})
	case bus.TopicTaskDeleted:
		payload, ok := ev.Payload.(bus.TaskDeletedEvent)
		if !ok {
			return
		}
		// Local deletes never propagate; the CRM keeps its record.
		s.logger.Info("local task deleted, crm record retained", "task_id", payload.TaskID)
	case bus.TopicAgentSpawned:
		payload, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		s.enqueue(pushJob{
			kind:    jobAgentActivity,
			agent:   payload.AgentName,
			status:  "working",
			message: payload.Summary,
			taskID:  payload.TaskID,
		})
	case bus.TopicAgentCompleted:
		payload, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		s.enqueue(pushJob{
			kind:    jobAgentActivity,
			agent:   payload.AgentName,
			status:  "completed",
			message: payload.Summary,
			taskID:  payload.TaskID,
		})
	}
}

// ensureActivated starts the poller and the dedup sweep exactly once, on
// the first event that reaches a configured bridge.
func (s *Service) ensureActivated() {
	s.activateOnce.Do(func() {
		s.guard.Start(s.runCtx)
		s.poller.Start(s.runCtx)
		s.activated.Store(true)
		s.logger.Info("crm bridge activated")
	})
}

func (s *Service) enqueue(job pushJob) {
	select {
	case s.queue <- job:
	default:
		if s.metrics != nil {
			s.metrics.PushQueueDrops.Add(s.runCtx, 1)
		}
		s.logger.Warn("push queue full, dropping job",
			"kind", job.kind.String(), "task_id", job.taskID, "agent", job.agent)
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.runJob(ctx, job)
		}
	}
}

func (s *Service) runJob(ctx context.Context, job pushJob) {
	switch job.kind {
	case jobPushTask:
		task, err := s.store.GetTask(ctx, job.taskID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				s.logger.Debug("task gone before push, skipping", "task_id", job.taskID)
				return
			}
			s.logger.Error("failed to load task for push", "task_id", job.taskID, "error", err)
			return
		}
		s.engine.PushTask(ctx, task)
	case jobAgentActivity:
		s.engine.PushAgentActivity(ctx, job.agent, job.status, job.message, job.taskID)
	}
}

// Status is the bridge health snapshot served by the gateway.
type Status struct {
	Configured    bool      `json:"configured"`
	Activated     bool      `json:"activated"`
	PollerRunning bool      `json:"poller_running"`
	LastPoll      time.Time `json:"last_poll,omitzero"`
	Watermark     time.Time `json:"watermark,omitzero"`
	DedupEntries  int       `json:"dedup_entries"`
	QueueDepth    int       `json:"queue_depth"`
}

// Status returns the current bridge state.
func (s *Service) Status() Status {
	return Status{
		Configured:    s.engine.Configured(),
		Activated:     s.activated.Load(),
		PollerRunning: s.poller.Running(),
		LastPoll:      s.poller.LastPoll(),
		Watermark:     s.poller.Watermark(),
		DedupEntries:  s.guard.Len(),
		QueueDepth:    len(s.queue),
	}
}

// TriggerPush pushes one task synchronously. Used by the admin endpoint.
func (s *Service) TriggerPush(ctx context.Context, taskID string) (PushResult, error) {
	if !s.engine.Configured() {
		return PushResult{}, errors.New("crm bridge not configured")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return PushResult{}, fmt.Errorf("load task: %w", err)
	}
	return s.engine.PushTask(ctx, task), nil
}

// TriggerPoll runs one poll cycle synchronously, activating the bridge if
// it was still dormant. Returns zero stats when a cycle is already running.
func (s *Service) TriggerPoll(ctx context.Context) (PollStats, error) {
	if !s.engine.Configured() {
		return PollStats{}, errors.New("crm bridge not configured")
	}
	s.ensureActivated()
	return s.poller.Poll(ctx), nil
}

// ApplyRemote applies a single remote record directly, bypassing the
// poller. Used by the admin endpoint for targeted pulls.
func (s *Service) ApplyRemote(ctx context.Context, record crm.RemoteTask) (PullResult, error) {
	if !s.engine.Configured() {
		return PullResult{}, errors.New("crm bridge not configured")
	}
	return s.engine.PullRecord(ctx, record), nil
}

// Reconcile runs a full-table sweep synchronously.
func (s *Service) Reconcile(ctx context.Context) (PollStats, error) {
	if !s.engine.Configured() {
		return PollStats{}, errors.New("crm bridge not configured")
	}
	s.ensureActivated()
	return s.poller.FullPoll(ctx), nil
}

// ProbeRemote checks CRM connectivity and returns the remote task count.
func (s *Service) ProbeRemote(ctx context.Context) (int64, error) {
	if !s.engine.Configured() {
		return 0, errors.New("crm bridge not configured")
	}
	return s.engine.remote.CountTasks(ctx)
}
