// Package observability exports the control plane's metrics through an
// OpenTelemetry meter backed by a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics collects the control-plane counters. A zero-value collector is
// a no-op so disabled metrics never need nil checks at call sites.
type Metrics struct {
	meter metric.Meter

	toolCalls       metric.Int64Counter
	toolRejections  metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	mutations       metric.Int64Counter
	breakerTrips    metric.Int64Counter
	agentsActive    metric.Int64UpDownCounter
	missionSpend    metric.Float64Counter
}

// Config controls metrics collection.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// New builds the collector and installs the meter provider.
func New(cfg Config) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("missionctl")

	m := &Metrics{meter: meter}
	if m.toolCalls, err = meter.Int64Counter(
		"missionctl.tool.calls.total",
		metric.WithDescription("Tool calls dispatched"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create tool calls counter: %w", err)
	}
	if m.toolRejections, err = meter.Int64Counter(
		"missionctl.tool.rejections.total",
		metric.WithDescription("Tool calls rejected by a gate"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}
	if m.dispatchLatency, err = meter.Float64Histogram(
		"missionctl.dispatch.latency",
		metric.WithDescription("Tool dispatch latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create dispatch histogram: %w", err)
	}
	if m.mutations, err = meter.Int64Counter(
		"missionctl.state.mutations.total",
		metric.WithDescription("State mutations committed"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, fmt.Errorf("create mutations counter: %w", err)
	}
	if m.breakerTrips, err = meter.Int64Counter(
		"missionctl.breaker.trips.total",
		metric.WithDescription("Circuit breaker trips"),
		metric.WithUnit("{trip}"),
	); err != nil {
		return nil, fmt.Errorf("create breaker counter: %w", err)
	}
	if m.agentsActive, err = meter.Int64UpDownCounter(
		"missionctl.agents.active",
		metric.WithDescription("Agents currently spawning or running"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, fmt.Errorf("create agents gauge: %w", err)
	}
	if m.missionSpend, err = meter.Float64Counter(
		"missionctl.cost.total",
		metric.WithDescription("Recorded mission spend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, fmt.Errorf("create cost counter: %w", err)
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promclient.Handler()
}

// RecordDispatch counts one tool dispatch with its outcome.
func (m *Metrics) RecordDispatch(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	if m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, elapsed.Seconds(), attrs)
	if outcome != "ok" {
		m.toolRejections.Add(ctx, 1, attrs)
	}
}

// RecordMutation counts one committed state mutation.
func (m *Metrics) RecordMutation(ctx context.Context) {
	if m.mutations == nil {
		return
	}
	m.mutations.Add(ctx, 1)
}

// RecordBreakerTrip counts one breaker trip.
func (m *Metrics) RecordBreakerTrip(ctx context.Context, reason string) {
	if m.breakerTrips == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AgentStarted and AgentStopped track the live agent gauge.
func (m *Metrics) AgentStarted(ctx context.Context) {
	if m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, 1)
}

func (m *Metrics) AgentStopped(ctx context.Context) {
	if m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, -1)
}

// RecordSpend counts recorded mission spend.
func (m *Metrics) RecordSpend(ctx context.Context, missionID string, amount float64) {
	if m.missionSpend == nil || amount <= 0 {
		return
	}
	m.missionSpend.Add(ctx, amount, metric.WithAttributes(attribute.String("mission", missionID)))
}
