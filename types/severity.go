package types

import (
	"fmt"
	"strings"
)

// Severity is the ordered impact level of a finding
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities returns every severity in ascending order
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// ParseSeverity accepts any letter case ("HIGH", "High", "high")
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Rank orders severities: low=1 ... critical=4. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Less reports whether s is strictly lower than other
func (s Severity) Less(other Severity) bool {
	return s.Rank() < other.Rank()
}

// AtLeast reports whether s is the same as or higher than floor
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

func (s Severity) String() string {
	return string(s)
}

// UnmarshalText normalizes case so "HIGH" in detector output decodes to SeverityHigh
func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}
