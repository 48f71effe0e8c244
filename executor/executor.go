package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/types"
)

// Engine runs remediation actions against a backend with safety checks and a
// per-call timeout
type Engine struct {
	backend       Executor
	options       Options
	safetyChecker SafetyChecker
	logger        zerolog.Logger
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithSafetyChecker replaces the default safety checker
func WithSafetyChecker(sc SafetyChecker) EngineOption {
	return func(e *Engine) { e.safetyChecker = sc }
}

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine around backend
func NewEngine(backend Executor, options Options, opts ...EngineOption) *Engine {
	engine := &Engine{
		backend: backend,
		options: options,
		logger:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.safetyChecker == nil {
		engine.safetyChecker = NewDefaultSafetyChecker(options)
	}

	return engine
}

// Execute validates and runs one action. It never retries.
func (e *Engine) Execute(ctx context.Context, action string, finding types.Finding) error {
	logger := e.logger.With().
		Str("action", action).
		Str("finding_id", finding.ID).
		Str("category", finding.Category).
		Logger()

	if blocked, reason := e.shouldBlock(ctx, action, finding); blocked {
		logger.Warn().Str("reason", reason).Msg("remediation blocked")
		return fmt.Errorf("%w: %s", ErrBlocked, reason)
	}

	if e.options.DryRun {
		logger.Info().Msg("dry run: remediation skipped")
		return nil
	}

	if e.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.options.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := e.backend.Execute(ctx, action, finding); err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("remediation failed")
		return fmt.Errorf("execute %s: %w", action, err)
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("remediation executed")
	return nil
}

func (e *Engine) shouldBlock(ctx context.Context, action string, finding types.Finding) (bool, string) {
	for _, check := range e.safetyChecker.CheckSafety(ctx, action, finding) {
		if !check.Passed && check.Severity == SeverityCritical {
			return true, fmt.Sprintf("%s: %s", check.Name, check.Message)
		}
	}
	return false, ""
}
