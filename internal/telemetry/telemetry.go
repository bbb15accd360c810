// Package telemetry provides OpenTelemetry metrics for outreach.
//
// Metrics are off by default: Init installs a no-op provider unless stdout
// export is requested.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/stellarlinkco/outreach"

// Init configures the global meter provider and returns its shutdown func.
func Init(ctx context.Context, stdout bool, interval time.Duration) (func(context.Context) error, error) {
	if !stdout {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Metrics holds the outreach instruments. A nil *Metrics records nothing.
type Metrics struct {
	plans       metric.Int64Counter
	sends       metric.Int64Counter
	outcomes    metric.Int64Counter
	jobRuns     metric.Int64Counter
	jobChanges  metric.Int64Counter
	jobFailures metric.Int64Counter
	jobDuration metric.Float64Histogram
}

func NewMetrics(m metric.Meter) *Metrics {
	out := &Metrics{}
	out.plans, _ = m.Int64Counter("outreach.plans",
		metric.WithDescription("Planned actions by decision method"),
		metric.WithUnit("{plan}"),
	)
	out.sends, _ = m.Int64Counter("outreach.sends",
		metric.WithDescription("Outreach messages handed to the sender"),
		metric.WithUnit("{message}"),
	)
	out.outcomes, _ = m.Int64Counter("outreach.outcomes",
		metric.WithDescription("Applied response outcomes by type"),
		metric.WithUnit("{outcome}"),
	)
	out.jobRuns, _ = m.Int64Counter("outreach.job.runs",
		metric.WithDescription("Scheduled job executions"),
		metric.WithUnit("{run}"),
	)
	out.jobChanges, _ = m.Int64Counter("outreach.job.changes",
		metric.WithDescription("Rows or items changed by scheduled jobs"),
		metric.WithUnit("{change}"),
	)
	out.jobFailures, _ = m.Int64Counter("outreach.job.failures",
		metric.WithDescription("Per-member failures collected by scheduled jobs"),
		metric.WithUnit("{failure}"),
	)
	out.jobDuration, _ = m.Float64Histogram("outreach.job.duration",
		metric.WithDescription("Scheduled job duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return out
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns instruments bound to the global meter provider.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(Meter(""))
	})
	return defaultMetrics
}

func (m *Metrics) Plan(ctx context.Context, method string) {
	if m == nil || m.plans == nil {
		return
	}
	m.plans.Add(ctx, 1, metric.WithAttributes(attribute.String("decision_method", method)))
}

func (m *Metrics) Send(ctx context.Context, ok bool) {
	if m == nil || m.sends == nil {
		return
	}
	m.sends.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) Outcome(ctx context.Context, outcomeType string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeType)))
}

// Job records one job run.
func (m *Metrics) Job(ctx context.Context, name string, changed, failures int, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", name))
	if m.jobRuns != nil {
		m.jobRuns.Add(ctx, 1, attrs)
	}
	if m.jobChanges != nil {
		m.jobChanges.Add(ctx, int64(changed), attrs)
	}
	if m.jobFailures != nil {
		m.jobFailures.Add(ctx, int64(failures), attrs)
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, float64(took.Milliseconds()), attrs)
	}
}
