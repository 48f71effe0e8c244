// Package filter suppresses findings before they are dispatched.
package filter

import (
	"github.com/yairfalse/vigil/types"
)

// Filter decides which detector findings enter a run.
type Filter struct {
	excludeCategories map[string]bool
	includeAttributes map[string]string
	excludeAttributes map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeCategories []string, includeAttributes, excludeAttributes map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, c := range excludeCategories {
		excludeMap[c] = true
	}

	return &Filter{
		excludeCategories: excludeMap,
		includeAttributes: includeAttributes,
		excludeAttributes: excludeAttributes,
	}
}

// ShouldDispatch returns true if the finding passes every filter.
func (f *Filter) ShouldDispatch(finding types.Finding) bool {
	if f.excludeCategories[finding.Category] {
		return false
	}

	// Include attributes - ALL must match
	for k, v := range f.includeAttributes {
		if finding.Attributes[k] != v {
			return false
		}
	}

	// Exclude attributes - ANY match suppresses
	for k, v := range f.excludeAttributes {
		if got, ok := finding.Attributes[k]; ok && got == v {
			return false
		}
	}

	return true
}

// Apply returns the findings that pass the filter and how many were
// suppressed. Order is preserved.
func (f *Filter) Apply(findings []types.Finding) ([]types.Finding, int) {
	if f == nil || f.IsEmpty() {
		return findings, 0
	}

	kept := make([]types.Finding, 0, len(findings))
	for _, finding := range findings {
		if f.ShouldDispatch(finding) {
			kept = append(kept, finding)
		}
	}
	return kept, len(findings) - len(kept)
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeCategories) == 0 && len(f.includeAttributes) == 0 && len(f.excludeAttributes) == 0
}
