// Package detector ingests findings produced by external detection tools.
package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/vigil/types"
)

// Detector produces findings. Implementations must honor ctx.
type Detector interface {
	Name() string
	Detect(ctx context.Context) ([]types.Finding, error)
}

// Ingest normalizes detector output for dispatch: missing ids get a UUID,
// missing timestamps get now. It fails on the first malformed finding.
func Ingest(findings []types.Finding, now time.Time) ([]types.Finding, error) {
	return ingest(findings, now, uuid.NewString)
}

func ingest(findings []types.Finding, now time.Time, newID func() string) ([]types.Finding, error) {
	out := make([]types.Finding, 0, len(findings))
	for i, f := range findings {
		f = f.Normalize(now, newID)
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("finding %d (%s): %w", i, f.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

func sourceName(kind, path string) string {
	return kind + ":" + filepath.Base(path)
}
