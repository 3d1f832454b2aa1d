// Package telemetry wires OpenTelemetry metric instruments for the gateway.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics aggregates the gateway's metric instruments.
type Metrics struct {
	snapshotsIngested  metric.Int64Counter
	snapshotsDropped   metric.Int64Counter
	updatesEnqueued    metric.Int64Counter
	framesSent         metric.Int64Counter
	fanoutDuration     metric.Float64Histogram
	sessionsActive     metric.Int64UpDownCounter
	slowConsumerCloses metric.Int64Counter
	adapterReconnects  metric.Int64Counter
}

// NewMetrics registers the gateway instruments against the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("mdgate")
	m := new(Metrics)
	m.snapshotsIngested, _ = meter.Int64Counter("mdgate.snapshots.ingested",
		metric.WithDescription("Snapshots accepted by the distributor"))
	m.snapshotsDropped, _ = meter.Int64Counter("mdgate.snapshots.dropped",
		metric.WithDescription("Snapshots shed because the distributor mailbox was full"))
	m.updatesEnqueued, _ = meter.Int64Counter("mdgate.updates.enqueued",
		metric.WithDescription("Per-subscriber updates placed into session outboxes"))
	m.framesSent, _ = meter.Int64Counter("mdgate.frames.sent",
		metric.WithDescription("Batched rtn_data frames written to clients"))
	m.fanoutDuration, _ = meter.Float64Histogram("mdgate.fanout.duration",
		metric.WithDescription("Wall time spent fanning one snapshot out"),
		metric.WithUnit("s"))
	m.sessionsActive, _ = meter.Int64UpDownCounter("mdgate.sessions.active",
		metric.WithDescription("Currently attached websocket sessions"))
	m.slowConsumerCloses, _ = meter.Int64Counter("mdgate.sessions.slow_closes",
		metric.WithDescription("Sessions closed for exceeding the outbox hard cap"))
	m.adapterReconnects, _ = meter.Int64Counter("mdgate.adapter.reconnects",
		metric.WithDescription("Upstream adapter reconnect attempts"))
	return m
}

// RecordIngest counts one accepted snapshot from the named source.
func (m *Metrics) RecordIngest(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.snapshotsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDrop counts one snapshot shed under pressure.
func (m *Metrics) RecordDrop(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.snapshotsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFanout records one fan-out pass that enqueued the given number of
// per-subscriber updates.
func (m *Metrics) RecordFanout(ctx context.Context, updates int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.updatesEnqueued.Add(ctx, int64(updates))
	m.fanoutDuration.Record(ctx, elapsed.Seconds())
}

// RecordFrame counts one outbound frame carrying the given instrument count.
func (m *Metrics) RecordFrame(ctx context.Context, instruments int) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, metric.WithAttributes(attribute.Int("instruments", instruments)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// RecordSlowClose counts a session terminated for falling behind.
func (m *Metrics) RecordSlowClose(ctx context.Context) {
	if m == nil {
		return
	}
	m.slowConsumerCloses.Add(ctx, 1)
}

// RecordReconnect counts an adapter reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.adapterReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
