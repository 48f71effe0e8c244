package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/vigil/types"
)

// Format selects an output rendering
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat validates a --format value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json or text)", s)
	}
}

// Render writes s in format f
func Render(w io.Writer, s RunSummary, f Format) error {
	if f == FormatText {
		return RenderText(w, s)
	}
	return RenderJSON(w, s)
}

// RenderJSON writes the summary document
func RenderJSON(w io.Writer, s RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

// RenderText writes a human-readable report. Severities are listed from
// critical down, categories alphabetically.
func RenderText(w io.Writer, s RunSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Security Run Report (%s - %s)\n", s.StartedAt.UTC().Format(time.RFC3339), s.EndedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Total Findings: %d\n", s.Total)
	fmt.Fprintf(&b, "Handled: %d\n", s.Handled())
	fmt.Fprintf(&b, "Escalated: %d\n", s.Escalated)
	fmt.Fprintf(&b, "Failed: %d\n", s.Failed)

	if len(s.BySeverity) > 0 {
		b.WriteString("\nBy Severity:\n")
		severities := types.Severities()
		for i := len(severities) - 1; i >= 0; i-- {
			if n, ok := s.BySeverity[severities[i].String()]; ok {
				fmt.Fprintf(&b, "  %s: %d\n", severities[i], n)
			}
		}
		// detectors outside the known scale still count toward the total
		for _, key := range sortedKeys(s.BySeverity) {
			if !types.Severity(key).Valid() {
				fmt.Fprintf(&b, "  %s: %d\n", key, s.BySeverity[key])
			}
		}
	}

	if len(s.ByCategory) > 0 {
		b.WriteString("\nBy Category:\n")
		for _, key := range sortedKeys(s.ByCategory) {
			fmt.Fprintf(&b, "  %s: %d\n", key, s.ByCategory[key])
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderResults writes one block per finding with its outcome
func RenderResults(w io.Writer, findings []types.Finding, results []types.HandlerResult) error {
	if len(findings) != len(results) {
		return fmt.Errorf("render results: %d findings but %d results", len(findings), len(results))
	}

	var b strings.Builder
	for i := range findings {
		f, r := findings[i], results[i]
		fmt.Fprintf(&b, "Finding %d:\n", i+1)
		fmt.Fprintf(&b, "  ID: %s\n", f.ID)
		fmt.Fprintf(&b, "  Category: %s\n", f.Category)
		fmt.Fprintf(&b, "  Severity: %s\n", f.Severity)
		if resource, ok := f.Attributes["resource"]; ok {
			fmt.Fprintf(&b, "  Resource: %s\n", resource)
		}
		fmt.Fprintf(&b, "  Description: %s\n", f.Details)
		fmt.Fprintf(&b, "  Status: %s\n", r.Status)
		fmt.Fprintf(&b, "  Actions: %s\n", strings.Join(r.ActionsTaken, ", "))
		if r.Error != nil {
			fmt.Fprintf(&b, "  Error: %s\n", r.Error.Error())
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
