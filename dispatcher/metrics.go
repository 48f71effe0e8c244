package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/vigil/types"
)

// Metrics holds dispatch instruments
type Metrics struct {
	findings        metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

// NewMetrics creates dispatch metrics on the global meter provider
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("vigil.dispatcher")

	findings, err := meter.Int64Counter(
		"vigil.findings.dispatched",
		metric.WithDescription("Findings dispatched by category and terminal status"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	handlerDuration, err := meter.Float64Histogram(
		"vigil.handler.duration",
		metric.WithDescription("Time from handler resolution to final result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		findings:        findings,
		handlerDuration: handlerDuration,
	}, nil
}

// RecordFinding counts one terminal result
func (m *Metrics) RecordFinding(ctx context.Context, category string, status types.Status) {
	m.findings.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("status", string(status)),
		),
	)
}

// RecordHandlerDuration records how long one finding took
func (m *Metrics) RecordHandlerDuration(ctx context.Context, handler string, d time.Duration) {
	m.handlerDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("handler", handler)),
	)
}
