// Package observe provides the server's observability primitives:
// OpenTelemetry metrics, tracing, trace-enriched logging and the HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API and are scraped from
// /metrics out of the registry owned by the [Telemetry] that [Init] builds. The
// scheduler and the audio player register their own instruments against the
// same [metric.MeterProvider]; this package holds the application-level ones.
// Tests should use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hbtz-dev/neuro2024simulator"

// Metrics holds the application-level instruments. Safe for concurrent use.
type Metrics struct {
	// ControlCommands counts control-surface commands by op and status.
	ControlCommands metric.Int64Counter

	// ControlCommandDuration tracks how long each control command took.
	ControlCommandDuration metric.Float64Histogram

	// ControlSessions is the number of connected control clients.
	ControlSessions metric.Int64UpDownCounter

	// CatalogTracks counts catalog tracks by load status ("ok", "error").
	CatalogTracks metric.Int64Counter

	// CatalogLoadDuration tracks the wall time of a whole catalog load.
	CatalogLoadDuration metric.Float64Histogram

	// ScoreReloads counts score hot reloads by status.
	ScoreReloads metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bounds in seconds. wait_complete commands can
// legitimately block for minutes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ControlCommands, err = m.Int64Counter("neurosim.control.commands",
		metric.WithDescription("Control commands by op and status."),
	); err != nil {
		return nil, err
	}
	if met.ControlCommandDuration, err = m.Float64Histogram("neurosim.control.command.duration",
		metric.WithDescription("Control command latency by op."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ControlSessions, err = m.Int64UpDownCounter("neurosim.control.sessions",
		metric.WithDescription("Connected control clients."),
	); err != nil {
		return nil, err
	}
	if met.CatalogTracks, err = m.Int64Counter("neurosim.catalog.tracks",
		metric.WithDescription("Catalog tracks loaded by status."),
	); err != nil {
		return nil, err
	}
	if met.CatalogLoadDuration, err = m.Float64Histogram("neurosim.catalog.load.duration",
		metric.WithDescription("Wall time of a full catalog load."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ScoreReloads, err = m.Int64Counter("neurosim.score.reloads",
		metric.WithDescription("Score hot reloads by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("neurosim.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on
// [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps err to the "ok"/"error" status attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordControlCommand counts one control command and its latency.
func (m *Metrics) RecordControlCommand(ctx context.Context, op, status string, d time.Duration) {
	m.ControlCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.ControlCommandDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordCatalogTrack counts one catalog track load.
func (m *Metrics) RecordCatalogTrack(ctx context.Context, status string) {
	m.CatalogTracks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordScoreReload counts one score reload.
func (m *Metrics) RecordScoreReload(ctx context.Context, status string) {
	m.ScoreReloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
