package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/internal/config"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := config.OTELConfig{
		ServiceName: "test-vigil",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}

	p, err := NewProvider(context.Background(), cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.Nil(t, p.MetricsHandler())

	err = p.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-vigil",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// exporters connect lazily, so setup succeeds without a collector
	p, err := NewProvider(context.Background(), cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_PrometheusHandler(t *testing.T) {
	cfg := config.OTELConfig{
		ServiceName: "test-vigil",
		Metrics:     config.MetricsConfig{Prometheus: true},
	}

	p, err := NewProvider(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := p.Meter().Int64Counter("vigil.test.runs")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	handler := p.MetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vigil_test_runs")
}

func TestProvider_StartSpan(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-vigil"}, "test")
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test-operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	assert.True(t, span.SpanContext().IsValid())

	span.End()
	_ = p.Shutdown(context.Background())
}

func TestNewLogger_JSONWithTraceIDs(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-vigil"}, "test")
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "info", Format: "json"}, &buf, false)
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "dispatch")
	logger.Info().Ctx(ctx).Str("finding_id", "f-1").Msg("handled")
	span.End()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handled", entry["message"])
	assert.Equal(t, "vigil", entry["service"])
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf, false)
	require.NoError(t, err)

	logger.Info().Msg("quiet")
	assert.Empty(t, buf.String())

	logger, err = NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf, true)
	require.NoError(t, err)
	logger.Debug().Msg("loud")
	assert.Contains(t, buf.String(), "loud")

	_, err = NewLogger(config.LogConfig{Level: "chatty"}, &buf, false)
	assert.Error(t, err)
}

func TestNewLogger_NoSpanNoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "info", Format: "json"}, &buf, false)
	require.NoError(t, err)

	logger.Info().Ctx(context.Background()).Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}
