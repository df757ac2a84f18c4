// Package observe provides application-wide observability primitives for
// Loreweave: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Loreweave metrics.
const meterName = "github.com/loreweave/loreweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn latency. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	TurnDuration metric.Float64Histogram

	// RetrievalDuration tracks context-retrieval latency, including any
	// inline embedding backfill.
	RetrievalDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding provider call latency.
	EmbeddingDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations requested by the model. Use with
	// attribute: attribute.String("tool", ...)
	ToolCalls metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter is retained for late-bound observable instruments such as the
	// embedding queue depth gauge.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Turns are
// dominated by LLM inference, so buckets extend well past typical HTTP
// latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("loreweave.turn.duration",
		metric.WithDescription("End-to-end latency of one narration turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("loreweave.retrieval.duration",
		metric.WithDescription("Latency of context retrieval including embedding backfill."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("loreweave.embedding.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("loreweave.tool.calls",
		metric.WithDescription("Total tool invocations by tool name."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("loreweave.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("loreweave.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loreweave.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterQueueDepth registers an observable gauge reporting the embedding
// queue's pending-key count. pending is polled at collection time.
func (m *Metrics) RegisterQueueDepth(pending func() int) error {
	_, err := m.meter.Int64ObservableGauge("loreweave.embedq.pending",
		metric.WithDescription("Number of embedding refresh tasks waiting or running."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(pending()))
			return nil
		}),
	)
	return err
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// ObserveTurn records one turn's duration with its outcome status.
func (m *Metrics) ObserveTurn(ctx context.Context, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// ObserveRetrieval records one retrieval's duration.
func (m *Metrics) ObserveRetrieval(ctx context.Context, d time.Duration) {
	m.RetrievalDuration.Record(ctx, d.Seconds())
}

// AddToolCall records a tool invocation counter increment.
func (m *Metrics) AddToolCall(ctx context.Context, tool string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
