// Package daemon runs the responder continuously.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/report"
	"github.com/yairfalse/vigil/responder"
)

// Runner executes one response run. *responder.Responder satisfies it.
type Runner interface {
	Run(ctx context.Context) (*responder.Run, error)
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// SkipInitialRun waits a full interval before the first run
	SkipInitialRun bool
}

// Daemon manages continuous response runs
type Daemon struct {
	runner    Runner
	interval  time.Duration
	immediate bool
	startTime time.Time
	runCount  atomic.Int64
	metrics   *DaemonMetrics
	totals    *report.Aggregator
	logger    zerolog.Logger

	mu      sync.RWMutex
	lastRun time.Time
	lastErr error
}

// Option customizes a Daemon
type Option func(*Daemon)

// WithLogger sets the daemon logger
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// NewDaemon creates a new daemon instance
func NewDaemon(runner Runner, config Config, opts ...Option) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("daemon needs a runner")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon interval must be positive (got %s)", config.Interval)
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	d := &Daemon{
		runner:    runner,
		interval:  config.Interval,
		immediate: !config.SkipInitialRun,
		startTime: time.Now(),
		metrics:   metrics,
		logger:    zerolog.Nop(),
	}
	d.totals = report.NewAggregator(func() time.Time { return d.startTime })
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs the loop until ctx is done
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Msg("daemon started")

	if d.immediate {
		d.runOnce(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int64("runs", d.RunCount()).Msg("daemon stopped")
			return nil
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	start := time.Now()
	run, err := d.runner.Run(ctx)
	elapsed := time.Since(start)
	d.runCount.Add(1)

	status := "success"
	if err != nil {
		status = "error"
		d.logger.Error().Err(err).Msg("response run failed")
	}

	// metrics must still land when the run was cut short by shutdown
	mctx := context.WithoutCancel(ctx)
	d.metrics.RecordRun(mctx, status, elapsed.Seconds())
	if err == nil && run != nil {
		d.metrics.RecordSummary(mctx, run.Summary)
		d.recordTotals(run)
	}

	d.mu.Lock()
	d.lastRun = start
	d.lastErr = err
	d.mu.Unlock()
}

// recordTotals folds a run's outcomes into the totals since start
func (d *Daemon) recordTotals(run *responder.Run) {
	if len(run.Findings) != len(run.Results) {
		d.logger.Warn().
			Int("findings", len(run.Findings)).
			Int("results", len(run.Results)).
			Msg("run results not paired with findings, skipping totals")
		return
	}
	for i := range run.Findings {
		if err := d.totals.Record(run.Findings[i], run.Results[i]); err != nil {
			d.logger.Warn().Err(err).Msg("skipping result in totals")
		}
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime_seconds"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Totals covers every finding dispatched since the daemon started
	Totals report.RunSummary `json:"totals"`
}

// Health returns daemon health status. The daemon is degraded while its
// latest run failed.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:  "healthy",
		Uptime:  int64(time.Since(d.startTime).Seconds()),
		Runs:    d.runCount.Load(),
		LastRun: d.lastRun,
		Totals:  d.totals.Summary(time.Now()),
	}
	if d.lastErr != nil {
		h.Status = "degraded"
		h.LastError = d.lastErr.Error()
	}
	return h
}

// HealthHandler serves Health as JSON; degraded answers 503
func (d *Daemon) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h := d.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}

// RunCount returns total runs executed
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}
