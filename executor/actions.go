package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/types"
)

// Router sends each action to the backend registered for it
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Executor
	fallback Executor
}

// NewRouter creates a router. fallback may be nil, in which case unrouted
// actions fail with ErrUnsupportedAction.
func NewRouter(fallback Executor) *Router {
	return &Router{
		routes:   make(map[string]Executor),
		fallback: fallback,
	}
}

// Route binds actions to backend, replacing earlier bindings
func (r *Router) Route(backend Executor, actions ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, action := range actions {
		r.routes[action] = backend
	}
}

// Routes returns the explicitly routed actions in sorted order
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.routes))
	for action := range r.routes {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Execute dispatches to the routed backend or the fallback
func (r *Router) Execute(ctx context.Context, action string, finding types.Finding) error {
	r.mu.RLock()
	backend, ok := r.routes[action]
	if !ok {
		backend = r.fallback
	}
	r.mu.RUnlock()

	if backend == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, action)
	}
	return backend.Execute(ctx, action, finding)
}

// LogExecutor records the action it was asked to take and succeeds. It backs
// audit-only actions and environments without a real remediation backend.
type LogExecutor struct {
	logger zerolog.Logger
}

// NewLogExecutor creates a log-only executor
func NewLogExecutor(logger zerolog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger}
}

// Execute logs the action with the finding's attributes as structured fields
func (l *LogExecutor) Execute(ctx context.Context, action string, finding types.Finding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := l.logger.Info().
		Str("action", action).
		Str("finding_id", finding.ID).
		Str("category", finding.Category).
		Str("severity", finding.Severity.String())
	for _, key := range targetKeys(action) {
		event = event.Str(key, finding.Attr(key))
	}
	event.Msg("remediation recorded")

	return nil
}

// targetKeys names the attributes each action acts on
func targetKeys(action string) []string {
	switch action {
	case ActionIsolateNode:
		return []string{"node"}
	case ActionStopContainer:
		return []string{"container"}
	case ActionBlockIP:
		return []string{"source_ip"}
	case ActionLockAccount, ActionRevokeSessions:
		return []string{"user"}
	case ActionBlockEgress:
		return []string{"destination"}
	case ActionIsolateHost:
		return []string{"host"}
	case ActionQuarantineFile:
		return []string{"host", "file_path"}
	case ActionKillProcess:
		return []string{"host", "process"}
	case ActionRecordViolation, ActionOpenTicket:
		return []string{"resource"}
	default:
		return nil
	}
}
