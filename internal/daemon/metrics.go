package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/report"
)

// DaemonMetrics holds run-loop metrics using OTEL semantic conventions
type DaemonMetrics struct {
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	lastRun     metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("vigil.daemon")

	runs, err := meter.Int64Counter(
		"vigil.daemon.runs",
		metric.WithDescription("Number of response runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"vigil.daemon.run.duration",
		metric.WithDescription("Duration of response runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRun, err := meter.Int64Gauge(
		"vigil.run.findings",
		metric.WithDescription("Findings in the most recent run by outcome"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		runs:        runs,
		runDuration: runDuration,
		lastRun:     lastRun,
	}, nil
}

// RecordRun records a run with status
func (m *DaemonMetrics) RecordRun(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSummary publishes the outcome counts of the latest run
func (m *DaemonMetrics) RecordSummary(ctx context.Context, s report.RunSummary) {
	for outcome, n := range map[string]int{
		"handled":   s.Handled(),
		"escalated": s.Escalated,
		"failed":    s.Failed,
	} {
		m.lastRun.Record(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
