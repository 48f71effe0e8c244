// Package responder runs one security response cycle: collect findings
// from detectors, dispatch them and record the run.
package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vigil/detector"
	"github.com/yairfalse/vigil/report"
	"github.com/yairfalse/vigil/types"
)

// DefaultDetectTimeout bounds a detector call when Config leaves it unset
const DefaultDetectTimeout = time.Minute

// ErrNoFindingsSource is returned when every detector failed
var ErrNoFindingsSource = errors.New("all detectors failed")

// Responder coordinates detectors, the dispatcher and the run archive
type Responder struct {
	detectors  []detector.Detector
	dispatcher Dispatcher
	archive    Archive
	suppressor Suppressor
	cfg        Config
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// Option customizes a Responder
type Option func(*Responder)

// WithArchive stores every run summary in a
func WithArchive(a Archive) Option {
	return func(r *Responder) { r.archive = a }
}

// WithSuppressor drops matching findings after ingestion
func WithSuppressor(s Suppressor) Option {
	return func(r *Responder) { r.suppressor = s }
}

// WithLogger sets the responder logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Responder) { r.logger = logger }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Responder) { r.now = now }
}

// New creates a responder
func New(dispatcher Dispatcher, detectors []detector.Detector, cfg Config, opts ...Option) (*Responder, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("responder needs a dispatcher")
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}

	r := &Responder{
		detectors:  detectors,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("vigil.responder"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Detectors returns the configured detector names
func (r *Responder) Detectors() []string {
	names := make([]string, len(r.detectors))
	for i, d := range r.detectors {
		names[i] = d.Name()
	}
	return names
}

// Run executes one cycle. Detector and archive failures are collected in
// Run.Errors; a malformed finding or every detector failing aborts the run.
func (r *Responder) Run(ctx context.Context) (*Run, error) {
	ctx, span := r.tracer.Start(ctx, "responder.run")
	defer span.End()

	startedAt := r.now()
	run := &Run{}

	r.logger.Info().
		Int("detectors", len(r.detectors)).
		Msg("starting response run")

	// 1. Detect
	raw, failed := r.detect(ctx, run)
	if len(r.detectors) > 0 && failed == len(r.detectors) {
		return r.abort(span, run, ErrNoFindingsSource)
	}

	// 2. Ingest
	findings, err := detector.Ingest(raw, startedAt)
	if err != nil {
		return r.abort(span, run, fmt.Errorf("ingest findings: %w", err))
	}
	if r.suppressor != nil {
		findings, run.Suppressed = r.suppressor.Apply(findings)
		if run.Suppressed > 0 {
			r.logger.Info().Int("suppressed", run.Suppressed).Msg("findings suppressed by filter")
		}
	}
	run.Findings = findings

	// 3. Dispatch
	run.Results = r.dispatcher.Dispatch(ctx, findings)

	// 4. Aggregate
	summary, err := report.Aggregate(findings, run.Results, startedAt, r.now())
	if err != nil {
		return r.abort(span, run, err)
	}
	run.Summary = summary

	// 5. Archive
	if r.archive != nil {
		key, err := r.archive.Save(summary)
		if err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("archive failed: %v", err))
			r.logger.Error().Err(err).Msg("failed to archive run summary")
		}
		run.ArchiveKey = key
	}

	span.SetAttributes(
		attribute.Int("findings.total", summary.Total),
		attribute.Int("findings.escalated", summary.Escalated),
		attribute.Int("findings.failed", summary.Failed),
	)

	r.logger.Info().
		Int("total", summary.Total).
		Int("handled", summary.Handled()).
		Int("escalated", summary.Escalated).
		Int("failed", summary.Failed).
		Int("suppressed", run.Suppressed).
		Int("errors", len(run.Errors)).
		Dur("duration", summary.Duration()).
		Msg("response run complete")

	return run, nil
}

// detect runs every detector concurrently and concatenates their findings
// in detector order
func (r *Responder) detect(ctx context.Context, run *Run) ([]types.Finding, int) {
	batches := make([][]types.Finding, len(r.detectors))
	errs := make([]error, len(r.detectors))

	var g errgroup.Group
	for i, d := range r.detectors {
		g.Go(func() error {
			batches[i], errs[i] = r.detectOne(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	var findings []types.Finding
	failed := 0
	for i, d := range r.detectors {
		if errs[i] != nil {
			failed++
			run.Errors = append(run.Errors, fmt.Sprintf("detector %s: %v", d.Name(), errs[i]))
			r.logger.Warn().
				Err(errs[i]).
				Str("detector", d.Name()).
				Msg("detector failed")
			continue
		}
		r.logger.Debug().
			Str("detector", d.Name()).
			Int("findings", len(batches[i])).
			Msg("detector finished")
		findings = append(findings, batches[i]...)
	}
	return findings, failed
}

type detected struct {
	findings []types.Finding
	err      error
}

// detectOne runs d in its own goroutine so a detector that ignores its
// context still times out. The abandoned goroutine exits when d returns.
func (r *Responder) detectOne(ctx context.Context, d detector.Detector) ([]types.Finding, error) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DetectTimeout)
	defer cancel()

	done := make(chan detected, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- detected{err: fmt.Errorf("panicked: %v", p)}
			}
		}()
		findings, err := d.Detect(dctx)
		done <- detected{findings: findings, err: err}
	}()

	select {
	case out := <-done:
		return out.findings, out.err
	case <-dctx.Done():
		return nil, dctx.Err()
	}
}

func (r *Responder) abort(span trace.Span, run *Run, err error) (*Run, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error().Err(err).Msg("response run aborted")
	return run, err
}
