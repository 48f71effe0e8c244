// Package handler maps finding categories to the code that responds to them.
package handler

import (
	"context"

	"github.com/yairfalse/vigil/types"
)

// DefaultHandlerName is the name of the fallback handler
const DefaultHandlerName = "escalate"

// ActionEscalate is the audit entry the default handler records
const ActionEscalate = "escalate_to_security_team"

// Handler responds to one finding. Implementations must not mutate the
// finding and must be safe for concurrent use.
type Handler interface {
	// Name identifies the handler in results and logs
	Name() string

	// Handle returns the outcome for finding. A non-nil error means the
	// handler itself broke; the dispatcher turns it into a failed result.
	Handle(ctx context.Context, finding types.Finding) (types.HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, finding types.Finding) (types.HandlerResult, error)
}

// Name returns the handler name
func (h HandlerFunc) Name() string {
	return h.HandlerName
}

// Handle calls Fn
func (h HandlerFunc) Handle(ctx context.Context, finding types.Finding) (types.HandlerResult, error) {
	return h.Fn(ctx, finding)
}

// escalateHandler hands the finding to a human. It never remediates.
type escalateHandler struct{}

// Escalate returns the default handler
func Escalate() Handler {
	return escalateHandler{}
}

func (escalateHandler) Name() string {
	return DefaultHandlerName
}

func (escalateHandler) Handle(_ context.Context, finding types.Finding) (types.HandlerResult, error) {
	return types.HandlerResult{
		FindingID:    finding.ID,
		Handler:      DefaultHandlerName,
		Status:       types.StatusEscalated,
		ActionsTaken: []string{ActionEscalate},
	}, nil
}
