// Package dispatcher runs a batch of findings through their handlers and
// notifies on every outcome.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vigil/handler"
	"github.com/yairfalse/vigil/notifier"
	"github.com/yairfalse/vigil/types"
)

// DefaultHandlerTimeout bounds one handler call when Config leaves it unset
const DefaultHandlerTimeout = 30 * time.Second

// Resolver finds the handler for a category. *handler.Registry satisfies it.
type Resolver interface {
	Resolve(category string) handler.Handler
}

// Notifier alerts on a dispatched finding. *notifier.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, finding types.Finding, result types.HandlerResult) map[string]notifier.Outcome
}

// Config tunes a Dispatcher
type Config struct {
	// Workers bounds concurrent handler calls; 1 dispatches sequentially
	Workers int
	// HandlerTimeout bounds each handler call
	HandlerTimeout time.Duration
}

// Dispatcher processes batches of findings. It is safe for concurrent use.
type Dispatcher struct {
	resolver Resolver
	notifier Notifier
	cfg      Config
	logger   zerolog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher. notify may be nil to skip alerting.
func New(resolver Resolver, notify Notifier, cfg Config, opts ...Option) (*Dispatcher, error) {
	if resolver == nil {
		return nil, fmt.Errorf("dispatcher needs a resolver")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}

	metrics, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create dispatcher metrics: %w", err)
	}

	d := &Dispatcher{
		resolver: resolver,
		notifier: notify,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("vigil/dispatcher"),
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch handles every finding once and returns one result per finding in
// input order. Handler failures, timeouts and panics become failed results;
// they never abort the batch.
//
// When ctx is cancelled no further findings are submitted. Findings already
// running finish under their own timeout; the rest get Cancelled results
// and are not notified.
func (d *Dispatcher) Dispatch(ctx context.Context, findings []types.Finding) []types.HandlerResult {
	results := make([]types.HandlerResult, len(findings))
	if len(findings) == 0 {
		return results
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch",
		trace.WithAttributes(attribute.Int("findings", len(findings))))
	defer span.End()

	// in-flight work must not inherit batch cancellation
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	sem := make(chan struct{}, d.cfg.Workers)
	submitted := 0

submit:
	for i := range findings {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break submit
		}
		if ctx.Err() != nil {
			<-sem
			break submit
		}

		submitted++
		g.Go(func() error {
			defer func() { <-sem }()
			results[i] = d.process(work, findings[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := submitted; i < len(findings); i++ {
		results[i] = cancelled(findings[i], ctx.Err())
		d.metrics.RecordFinding(work, findings[i].Category, results[i].Status)
	}

	if submitted < len(findings) {
		span.SetStatus(codes.Error, "batch cancelled")
		d.logger.Warn().
			Int("submitted", submitted).
			Int("cancelled", len(findings)-submitted).
			Msg("dispatch cancelled")
	}

	counts := Summarize(results)
	d.logger.Info().
		Int("findings", len(findings)).
		Int("workers", d.cfg.Workers).
		Int("handled", counts[types.StatusHandled]).
		Int("escalated", counts[types.StatusEscalated]).
		Int("failed", counts[types.StatusFailed]).
		Msg("dispatch complete")

	return results
}

func (d *Dispatcher) process(ctx context.Context, finding types.Finding) types.HandlerResult {
	ctx, span := d.tracer.Start(ctx, "dispatcher.process",
		trace.WithAttributes(
			attribute.String("finding.id", finding.ID),
			attribute.String("finding.category", finding.Category)))
	defer span.End()

	start := time.Now()
	h := d.resolver.Resolve(finding.Category)

	var result types.HandlerResult
	if h == nil {
		result = types.HandlerResult{
			Status: types.StatusFailed,
			Error:  types.Failuref(types.KindConfiguration, "no handler for category %q", finding.Category),
		}
		result.Record("resolve_handler")
	} else {
		result = d.invoke(ctx, h, finding)
	}
	result.FindingID = finding.ID
	result.Duration = time.Since(start)

	if d.notifier != nil {
		outcomes := d.notifier.Notify(ctx, finding.Clone(), result)
		for _, name := range notifier.Failed(outcomes) {
			reason := types.Classify(outcomes[name].Err, types.KindNotification).Message
			result.Record(fmt.Sprintf("notification failed: %s: %s", name, reason))
		}
	}

	logger := d.logger.With().
		Str("finding_id", finding.ID).
		Str("category", finding.Category).
		Str("handler", result.Handler).
		Str("status", string(result.Status)).
		Logger()
	if result.Error != nil {
		span.SetStatus(codes.Error, result.Error.Error())
		logger.Warn().Str("error_kind", string(result.Error.Kind)).Str("error", result.Error.Message).Msg("finding failed")
	} else {
		logger.Debug().Strs("actions", result.ActionsTaken).Msg("finding dispatched")
	}

	d.metrics.RecordFinding(ctx, finding.Category, result.Status)
	d.metrics.RecordHandlerDuration(ctx, result.Handler, result.Duration)

	return result
}

type handled struct {
	result types.HandlerResult
	err    error
}

// invoke runs h in its own goroutine so a handler that ignores its context
// still times out
func (d *Dispatcher) invoke(ctx context.Context, h handler.Handler, finding types.Finding) types.HandlerResult {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan handled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handled{err: types.Failuref(types.KindHandler, "handler %s panicked: %v", h.Name(), r)}
			}
		}()
		result, err := h.Handle(ctx, finding.Clone())
		done <- handled{result: result, err: err}
	}()

	select {
	case out := <-done:
		return normalize(out.result, out.err, h.Name())
	case <-ctx.Done():
		return normalize(types.HandlerResult{}, ctx.Err(), h.Name())
	}
}

// normalize forces a handler's result into the result contract
func normalize(result types.HandlerResult, err error, name string) types.HandlerResult {
	result.ActionsTaken = append([]string(nil), result.ActionsTaken...)
	if result.Handler == "" {
		result.Handler = name
	}

	switch {
	case err != nil:
		result.Fail(err, types.KindHandler)
	case !result.Status.Valid():
		result.Error = types.Failuref(types.KindHandler, "handler %s returned invalid status %q", name, result.Status)
		result.Status = types.StatusFailed
	case result.Status == types.StatusFailed && result.Error == nil:
		result.Error = types.Failuref(types.KindHandler, "handler %s reported failure without an error", name)
	case result.Status != types.StatusFailed:
		result.Error = nil
	}

	if len(result.ActionsTaken) == 0 {
		result.Record(name)
	}
	return result
}

func cancelled(finding types.Finding, cause error) types.HandlerResult {
	if cause == nil {
		cause = context.Canceled
	}
	return types.HandlerResult{
		FindingID:    finding.ID,
		Status:       types.StatusFailed,
		ActionsTaken: []string{"not_dispatched"},
		Error:        types.NewFailure(types.KindCancelled, fmt.Errorf("batch cancelled before dispatch: %w", cause)),
	}
}

// Summarize counts results by status
func Summarize(results []types.HandlerResult) map[types.Status]int {
	counts := make(map[types.Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	return counts
}

// FailedIDs returns the ids of failed findings in result order
func FailedIDs(results []types.HandlerResult) []string {
	var ids []string
	for _, r := range results {
		if r.Status == types.StatusFailed {
			ids = append(ids, r.FindingID)
		}
	}
	return ids
}
