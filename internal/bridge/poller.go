package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	otelx "github.com/apprapid/missionctl/internal/otel"
	"github.com/apprapid/missionctl/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// PollStats summarizes one poll cycle.
type PollStats struct {
	Polled int `json:"polled"`
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// PollerConfig holds the dependencies and tuning for the pull poller.
type PollerConfig struct {
	Engine    *Engine
	Remote    RemoteStore
	Guard     *Guard
	Logger    *slog.Logger
	Metrics   *otelx.Metrics
	Interval  time.Duration // defaults to 30s if zero
	BatchSize int           // defaults to 50 if zero
	// ReconcileSchedule is an optional cron expression for full-table
	// sweeps that catch records a watermark poll can miss.
	ReconcileSchedule string
}

// Poller periodically pulls remote changes past a watermark. Ticks never
// overlap: a tick that finds the previous one still running returns
// immediately with zero stats. The watermark advances only after a
// successful remote query, so a failed tick retries the same window.
type Poller struct {
	engine    *Engine
	remote    RemoteStore
	guard     *Guard
	logger    *slog.Logger
	metrics   *otelx.Metrics
	interval  time.Duration
	batchSize int
	reconcile cronlib.Schedule

	inFlight atomic.Bool
	running  atomic.Bool

	mu            sync.Mutex
	watermark     time.Time
	lastPoll      time.Time
	nextReconcile time.Time
	dedupReported int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. The watermark is set when Start is called, so
// only changes made after process start are pulled.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		engine:    cfg.Engine,
		remote:    cfg.Remote,
		guard:     cfg.Guard,
		logger:    logger,
		metrics:   cfg.Metrics,
		interval:  interval,
		batchSize: batch,
	}
	if cfg.ReconcileSchedule != "" {
		sched, err := cronParser.Parse(cfg.ReconcileSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
		}
		p.reconcile = sched
	}
	return p, nil
}

// Start sets the watermark to now and begins the poll loop. The first
// cycle runs immediately; later cycles wait for the interval.
func (p *Poller) Start(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	p.watermark = now
	if p.reconcile != nil {
		p.nextReconcile = p.reconcile.Next(now)
	}
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("bridge poller started", "interval", p.interval, "batch_size", p.batchSize)
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.running.Store(false)
	p.logger.Info("bridge poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First cycle runs right away; remote changes made while the bridge
	// was down would otherwise sit a full interval behind the watermark.
	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
			p.maybeReconcile(ctx)
		}
	}
}

func (p *Poller) maybeReconcile(ctx context.Context) {
	if p.reconcile == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	due := !p.nextReconcile.IsZero() && !now.Before(p.nextReconcile)
	if due {
		p.nextReconcile = p.reconcile.Next(now)
	}
	p.mu.Unlock()
	if due {
		p.FullPoll(ctx)
	}
}

// Poll runs one watermark poll cycle. Safe to call concurrently with the
// loop; the in-flight flag makes the extra call a no-op.
func (p *Poller) Poll(ctx context.Context) PollStats {
	if !p.engine.Configured() {
		return PollStats{}
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll already in flight, skipping tick")
		return PollStats{}
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	p.mu.Lock()
	since := p.watermark
	p.mu.Unlock()

	records, err := p.remote.QueryTasksSince(ctx, since, persistence.BridgeSource, p.batchSize)
	if err != nil {
		p.logger.Error("poll query failed", "since", since, "error", err)
		if p.metrics != nil {
			p.metrics.BridgeErrors.Add(ctx, 1)
		}
		return PollStats{Errors: 1}
	}

	stats := PollStats{Polled: len(records)}
	for _, record := range records {
		res := p.engine.PullRecord(ctx, record)
		switch res.Outcome {
		case OutcomeCreated, OutcomeUpdated:
			stats.Synced++
		case OutcomeFailed:
			stats.Errors++
		}
	}

	p.mu.Lock()
	if len(records) > 0 {
		p.watermark = records[len(records)-1].UpdatedAt
	}
	p.lastPoll = time.Now()
	p.mu.Unlock()

	p.observe(ctx, time.Since(start))
	if stats.Polled > 0 {
		p.logger.Info("poll cycle complete",
			"polled", stats.Polled, "synced", stats.Synced, "errors", stats.Errors)
	}
	return stats
}

// FullPoll pages through the entire remote tasks table and applies every
// record. The origin tag and dedup guard still suppress echoes, so a sweep
// over an in-sync table is all skips. The watermark is left untouched.
func (p *Poller) FullPoll(ctx context.Context) PollStats {
	if !p.engine.Configured() {
		return PollStats{}
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return PollStats{}
	}
	defer p.inFlight.Store(false)

	start := time.Now()
	var stats PollStats
	for offset := 0; ; offset += p.batchSize {
		records, err := p.remote.QueryAllTasks(ctx, p.batchSize, offset)
		if err != nil {
			p.logger.Error("reconcile query failed", "offset", offset, "error", err)
			stats.Errors++
			break
		}
		stats.Polled += len(records)
		for _, record := range records {
			res := p.engine.PullRecord(ctx, record)
			switch res.Outcome {
			case OutcomeCreated, OutcomeUpdated:
				stats.Synced++
			case OutcomeFailed:
				stats.Errors++
			}
		}
		if len(records) < p.batchSize {
			break
		}
	}

	p.observe(ctx, time.Since(start))
	p.logger.Info("reconcile sweep complete",
		"polled", stats.Polled, "synced", stats.Synced, "errors", stats.Errors)
	return stats
}

func (p *Poller) observe(ctx context.Context, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.PollDuration.Record(ctx, elapsed.Seconds())
	if p.guard != nil {
		p.mu.Lock()
		n := p.guard.Len()
		delta := int64(n - p.dedupReported)
		p.dedupReported = n
		p.mu.Unlock()
		if delta != 0 {
			p.metrics.DedupEntries.Add(ctx, delta)
		}
	}
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool { return p.running.Load() }

// LastPoll returns the completion time of the most recent successful cycle.
func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

// Watermark returns the current pull watermark.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}
