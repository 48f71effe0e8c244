package telemetry

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/internal/config"
)

// OTELHook adds trace and span IDs to every log entry written with a
// span-carrying context (logger.Info().Ctx(ctx))
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level >= zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// NewLogger builds the process logger from config. debug overrides the
// configured level.
func NewLogger(cfg config.LogConfig, w io.Writer, debug bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	if debug {
		level = zerolog.DebugLevel
	}

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "vigil").
		Logger().
		Hook(OTELHook{}), nil
}
