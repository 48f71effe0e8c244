package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/types"
)

// OpaExpressionValue is the raw object OPA returns for the queried package.
// Its shape is decided by the policy at runtime.
type OpaExpressionValue map[string]interface{}

// Engine evaluates compliance policies against findings
type Engine struct {
	query   rego.PreparedEvalQuery
	modules []string
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// Config selects the policies to compile
type Config struct {
	// Files are .rego files or directories searched for .rego files
	Files []string
	// SkipDefault leaves the embedded policy out
	SkipDefault bool
	// Query defaults to DefaultQuery
	Query string
}

// NewEngine compiles the configured modules into one prepared query
func NewEngine(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	tracer := otel.Tracer("vigil/policy")
	ctx, span := tracer.Start(ctx, "policy.compile")
	defer span.End()

	modules := make(map[string]string)
	if !cfg.SkipDefault {
		modules["default.rego"] = DefaultModule
	}

	for _, path := range cfg.Files {
		if err := loadModules(path, modules); err != nil {
			return nil, err
		}
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no policy modules to compile")
	}

	query := cfg.Query
	if query == "" {
		query = DefaultQuery
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	span.SetAttributes(attribute.Int("policy.modules", len(names)))
	logger.Info().Strs("modules", names).Str("query", query).Msg("compliance policies compiled")

	return &Engine{
		query:   prepared,
		modules: names,
		logger:  logger,
		tracer:  tracer,
	}, nil
}

// Modules returns the compiled module names
func (e *Engine) Modules() []string {
	return append([]string(nil), e.modules...)
}

// Evaluate asks the policy what to do about finding as a violation of rule
func (e *Engine) Evaluate(ctx context.Context, finding types.Finding, rule Rule) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("finding.id", finding.ID),
			attribute.String("rule", rule.Category())))
	defer span.End()

	results, err := e.query.Eval(ctx, rego.EvalInput(Input{Finding: finding, Rule: rule}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy for %s: %w", rule.Category(), err)
	}

	decision := parseResults(results)
	if len(decision.Actions) == 0 {
		fallback := DefaultDecision()
		decision.Actions = fallback.Actions
		if decision.Reason == "" {
			decision.Reason = fallback.Reason
		}
	}

	e.logger.Debug().
		Str("finding_id", finding.ID).
		Str("rule", rule.Category()).
		Strs("actions", decision.Actions).
		Bool("escalate", decision.Escalate).
		Msg("compliance decision")

	return decision, nil
}

func parseResults(results rego.ResultSet) Decision {
	var decision Decision
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		// OPA hands back either type depending on how the value was built
		switch expr := res.Expressions[0].Value.(type) {
		case OpaExpressionValue:
			bindDecision(expr, &decision)
		case map[string]interface{}:
			bindDecision(expr, &decision)
		}
	}
	return decision
}

func bindDecision(values map[string]interface{}, decision *Decision) {
	if escalate, ok := values["escalate"].(bool); ok {
		decision.Escalate = escalate
	}
	if reason, ok := values["reason"].(string); ok {
		decision.Reason = reason
	}

	// Partial set rules arrive sorted; arrays keep the policy's order
	raw, ok := values["actions"].([]interface{})
	if !ok {
		return
	}
	for _, value := range raw {
		if action, ok := value.(string); ok && action != "" {
			decision.Actions = append(decision.Actions, action)
		}
	}
}

func loadModules(path string, modules map[string]string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat policy path %s: %w", path, err)
	}

	if !info.IsDir() {
		return readModule(path, modules)
	}

	return filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(file, ".rego") {
			return nil
		}
		return readModule(file, modules)
	})
}

func readModule(path string, modules map[string]string) error {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	modules[path] = string(content)
	return nil
}
