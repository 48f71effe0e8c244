package handler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/types"
)

var (
	// ErrEmptyCategory is returned when registering under a blank category
	ErrEmptyCategory = errors.New("category must not be empty")
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("handler must not be nil")
)

// Registry binds categories to handlers. Unknown categories resolve to the
// default handler, so Resolve never fails.
//
// Register is last-write-wins: binding a category that already has a
// handler replaces it and logs a warning.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	logger   zerolog.Logger
}

// Option customizes a Registry
type Option func(*Registry)

// WithDefault replaces the escalation handler used for unknown categories
func WithDefault(h Handler) Option {
	return func(r *Registry) {
		if h != nil {
			r.fallback = h
		}
	}
}

// WithLogger sets the registry logger
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		fallback: Escalate(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds h to category, replacing any earlier binding.
// Configuration mistakes are reported as ConfigurationError failures.
func (r *Registry) Register(category string, h Handler) error {
	if strings.TrimSpace(category) == "" {
		return types.NewFailure(types.KindConfiguration, ErrEmptyCategory)
	}
	if h == nil {
		return types.NewFailure(types.KindConfiguration, fmt.Errorf("register %s: %w", category, ErrNilHandler))
	}

	r.mu.Lock()
	previous, replaced := r.handlers[category]
	r.handlers[category] = h
	r.mu.Unlock()

	if replaced {
		r.logger.Warn().
			Str("category", category).
			Str("previous", previous.Name()).
			Str("handler", h.Name()).
			Msg("handler replaced")
	}
	return nil
}

// Resolve returns the handler bound to category or the default handler
func (r *Registry) Resolve(category string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[category]; ok {
		return h
	}
	return r.fallback
}

// Unregister removes the binding for category. Unknown categories are a no-op.
func (r *Registry) Unregister(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, category)
}

// Default returns the fallback handler
func (r *Registry) Default() Handler {
	return r.fallback
}

// Categories returns the bound categories in sorted order
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	categories := make([]string, 0, len(r.handlers))
	for category := range r.handlers {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// Bindings returns category → handler name for every binding
func (r *Registry) Bindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bindings := make(map[string]string, len(r.handlers))
	for category, h := range r.handlers {
		bindings[category] = h.Name()
	}
	return bindings
}
