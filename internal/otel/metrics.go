package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all missionctl metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	BridgePushes    metric.Int64Counter
	BridgePulls     metric.Int64Counter
	BridgeSkips     metric.Int64Counter
	BridgeErrors    metric.Int64Counter
	PollDuration    metric.Float64Histogram
	DedupEntries    metric.Int64UpDownCounter
	PushQueueDrops  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("missionctl.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgePushes, err = meter.Int64Counter("missionctl.bridge.pushes",
		metric.WithDescription("Tasks pushed to the CRM"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgePulls, err = meter.Int64Counter("missionctl.bridge.pulls",
		metric.WithDescription("CRM records pulled into the local store"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeSkips, err = meter.Int64Counter("missionctl.bridge.skips",
		metric.WithDescription("Sync operations suppressed by the dedup guard or origin tag"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgeErrors, err = meter.Int64Counter("missionctl.bridge.errors",
		metric.WithDescription("Failed sync operations"),
	)
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("missionctl.bridge.poll.duration",
		metric.WithDescription("Poll cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupEntries, err = meter.Int64UpDownCounter("missionctl.bridge.dedup.entries",
		metric.WithDescription("Entries currently held by the dedup guard"),
	)
	if err != nil {
		return nil, err
	}

	m.PushQueueDrops, err = meter.Int64Counter("missionctl.bridge.queue.drops",
		metric.WithDescription("Push jobs dropped because the outbound queue was full"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
