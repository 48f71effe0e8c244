package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yairfalse/vigil/types"
)

// ComplianceIssue is one violation reported by a compliance scanner
type ComplianceIssue struct {
	Resource    string `json:"resource" yaml:"resource"`
	Rule        string `json:"rule" yaml:"rule"`
	Description string `json:"description" yaml:"description"`
	Severity    string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// ComplianceFileDetector turns a compliance report into findings whose
// category is the violated rule id (e.g. "PCI-DSS-3.4"). The report is a
// list of issues or an object with an "issues" list.
type ComplianceFileDetector struct {
	name     string
	path     string
	severity types.Severity
}

// NewComplianceFileDetector creates a detector for path. Issues without a
// severity get defaultSeverity.
func NewComplianceFileDetector(path string, defaultSeverity types.Severity) *ComplianceFileDetector {
	if !defaultSeverity.Valid() {
		defaultSeverity = types.SeverityMedium
	}
	return &ComplianceFileDetector{
		name:     sourceName("compliance", path),
		path:     path,
		severity: defaultSeverity,
	}
}

// Name returns "compliance:<basename>"
func (d *ComplianceFileDetector) Name() string {
	return d.name
}

// Detect reads the report
func (d *ComplianceFileDetector) Detect(ctx context.Context) ([]types.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read compliance report: %w", err)
	}

	issues, err := decodeIssues(data, formatFor(d.path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.path, err)
	}

	findings := make([]types.Finding, 0, len(issues))
	for i, issue := range issues {
		f, err := d.toFinding(issue)
		if err != nil {
			return nil, fmt.Errorf("issue %d: %w", i, err)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func (d *ComplianceFileDetector) toFinding(issue ComplianceIssue) (types.Finding, error) {
	rule := strings.TrimSpace(issue.Rule)
	if rule == "" {
		return types.Finding{}, fmt.Errorf("rule is required")
	}

	severity := d.severity
	if issue.Severity != "" {
		parsed, err := types.ParseSeverity(issue.Severity)
		if err != nil {
			return types.Finding{}, err
		}
		severity = parsed
	}

	attrs := types.Attributes{"rule": rule}
	if issue.Resource != "" {
		attrs["resource"] = issue.Resource
	}

	return types.Finding{
		Category:   rule,
		Severity:   severity,
		Attributes: attrs,
		Details:    issue.Description,
		Source:     d.name,
	}, nil
}

func decodeIssues(data []byte, f format) ([]ComplianceIssue, error) {
	var issues []ComplianceIssue

	if f == formatYAML {
		records, err := yamlRecords(data, "issues")
		if err != nil {
			return nil, err
		}
		for i, record := range records {
			var issue ComplianceIssue
			if err := record.Decode(&issue); err != nil {
				return nil, fmt.Errorf("issue %d: %w", i, err)
			}
			issues = append(issues, issue)
		}
		return issues, nil
	}

	records, err := jsonRecords(data, "issues")
	if err != nil {
		return nil, err
	}
	for i, record := range records {
		var issue ComplianceIssue
		if err := json.Unmarshal(record, &issue); err != nil {
			return nil, fmt.Errorf("issue %d: %w", i, err)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// compile-time interface checks
var (
	_ Detector = (*FileDetector)(nil)
	_ Detector = (*ComplianceFileDetector)(nil)
)
