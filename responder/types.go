package responder

import (
	"context"
	"time"

	"github.com/yairfalse/vigil/report"
	"github.com/yairfalse/vigil/types"
)

// Run is the outcome of one detect → dispatch → report cycle
type Run struct {
	Findings   []types.Finding       `json:"findings"`
	Results    []types.HandlerResult `json:"results"`
	Summary    report.RunSummary     `json:"summary"`
	Suppressed int                   `json:"suppressed,omitempty"`
	ArchiveKey string                `json:"archive_key,omitempty"`
	Errors     []string              `json:"errors,omitempty"`
}

// Dispatcher handles a batch of findings. *dispatcher.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, findings []types.Finding) []types.HandlerResult
}

// Archive keeps run summaries. *report.Store satisfies it.
type Archive interface {
	Save(summary report.RunSummary) (string, error)
}

// Suppressor drops findings that should not be dispatched. *filter.Filter
// satisfies it.
type Suppressor interface {
	Apply(findings []types.Finding) ([]types.Finding, int)
}

// Config tunes a Responder
type Config struct {
	// DetectTimeout bounds each detector call
	DetectTimeout time.Duration
}
