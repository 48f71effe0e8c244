// Package report folds dispatch outcomes into run summaries and archives
// them.
package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/vigil/types"
)

// RunSummary is the terminal record of one dispatch batch
type RunSummary struct {
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
	Escalated  int            `json:"escalated"`
	Failed     int            `json:"failed"`
}

// Handled is the number of findings that were neither escalated nor failed
func (s RunSummary) Handled() int {
	return s.Total - s.Escalated - s.Failed
}

// Duration is the wall time the run took
func (s RunSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

func newSummary(startedAt time.Time) RunSummary {
	return RunSummary{
		StartedAt:  startedAt,
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}
}

func (s *RunSummary) add(finding types.Finding, result types.HandlerResult) {
	s.Total++
	s.ByCategory[finding.Category]++
	s.BySeverity[finding.Severity.String()]++
	switch result.Status {
	case types.StatusEscalated:
		s.Escalated++
	case types.StatusFailed:
		s.Failed++
	}
}

func (s RunSummary) clone() RunSummary {
	out := s
	out.ByCategory = make(map[string]int, len(s.ByCategory))
	for k, v := range s.ByCategory {
		out.ByCategory[k] = v
	}
	out.BySeverity = make(map[string]int, len(s.BySeverity))
	for k, v := range s.BySeverity {
		out.BySeverity[k] = v
	}
	return out
}

// Aggregate folds paired findings and results into a summary. The output
// depends only on its arguments.
func Aggregate(findings []types.Finding, results []types.HandlerResult, startedAt, endedAt time.Time) (RunSummary, error) {
	if len(findings) != len(results) {
		return RunSummary{}, fmt.Errorf("aggregate: %d findings but %d results", len(findings), len(results))
	}

	summary := newSummary(startedAt)
	for i := range findings {
		if err := checkPair(findings[i], results[i]); err != nil {
			return RunSummary{}, fmt.Errorf("aggregate result %d: %w", i, err)
		}
		summary.add(findings[i], results[i])
	}
	summary.EndedAt = endedAt
	return summary, nil
}

func checkPair(finding types.Finding, result types.HandlerResult) error {
	if result.FindingID != finding.ID {
		return fmt.Errorf("result for %q paired with finding %q", result.FindingID, finding.ID)
	}
	return nil
}

// Aggregator builds a summary incrementally. It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	summary RunSummary
}

// NewAggregator starts a run at now()
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{summary: newSummary(now())}
}

// Record adds one outcome
func (a *Aggregator) Record(finding types.Finding, result types.HandlerResult) error {
	if err := checkPair(finding, result); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.add(finding, result)
	return nil
}

// Summary returns the run closed at endedAt. The aggregator may keep
// recording; earlier summaries are unaffected.
func (a *Aggregator) Summary(endedAt time.Time) RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.summary.clone()
	out.EndedAt = endedAt
	return out
}
