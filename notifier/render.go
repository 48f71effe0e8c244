package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/vigil/types"
)

// Mask replaces the value of every sensitive attribute
const Mask = "********"

// DefaultSensitiveKeys are matched case-insensitively as substrings of
// attribute keys. They are deliberately broad: "key" masks every *_key
// attribute and "pass" masks password, passwd and db_pass alike.
func DefaultSensitiveKeys() []string {
	return []string{
		"pass",
		"pwd",
		"secret",
		"token",
		"key",
		"credential",
		"session",
		"cookie",
		"authorization",
		"bearer",
	}
}

// Message is a rendered alert
type Message struct {
	Title     string
	Text      string
	FindingID string
	Category  string
	Severity  types.Severity
	Status    types.Status
}

// Redactor masks attribute values whose key looks sensitive
type Redactor struct {
	patterns []string
}

// NewRedactor builds a redactor. Empty patterns means DefaultSensitiveKeys.
func NewRedactor(patterns []string) *Redactor {
	if len(patterns) == 0 {
		patterns = DefaultSensitiveKeys()
	}
	r := &Redactor{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			r.patterns = append(r.patterns, p)
		}
	}
	return r
}

// Sensitive reports whether key matches any pattern. Separators are
// ignored so "API-Key" and "apiKey" both match "api_key".
func (r *Redactor) Sensitive(key string) bool {
	lower := strings.ToLower(key)
	squashed := squash(lower)
	for _, p := range r.patterns {
		if strings.Contains(lower, p) || strings.Contains(squashed, squash(p)) {
			return true
		}
	}
	return false
}

// Redact returns a copy of attrs with sensitive values masked
func (r *Redactor) Redact(attrs types.Attributes) types.Attributes {
	out := make(types.Attributes, len(attrs))
	for k, v := range attrs {
		if r.Sensitive(k) {
			v = Mask
		}
		out[k] = v
	}
	return out
}

func squash(s string) string {
	return strings.NewReplacer("_", "", "-", "", ".", "", " ", "").Replace(s)
}

// Render formats finding and result into a deterministic alert
func Render(finding types.Finding, result types.HandlerResult, redactor *Redactor) Message {
	title := fmt.Sprintf("SECURITY INCIDENT: %s - %s",
		strings.ToUpper(finding.Severity.String()), finding.Title())

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", title)
	fmt.Fprintf(&b, "Time: %s\n", formatTime(finding.Timestamp))
	fmt.Fprintf(&b, "Finding: %s\n", finding.ID)
	fmt.Fprintf(&b, "Status: %s\n", result.Status)
	if len(result.ActionsTaken) > 0 {
		fmt.Fprintf(&b, "Actions: %s\n", strings.Join(result.ActionsTaken, ", "))
	}
	if result.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", result.Error.Error())
	}
	fmt.Fprintf(&b, "Details: %s\n", finding.Details)

	if len(finding.Attributes) > 0 {
		redacted := redactor.Redact(finding.Attributes)
		b.WriteString("Attributes:\n")
		for _, key := range redacted.Keys() {
			fmt.Fprintf(&b, "  %s: %s\n", key, redacted[key])
		}
	}

	return Message{
		Title:     title,
		Text:      b.String(),
		FindingID: finding.ID,
		Category:  finding.Category,
		Severity:  finding.Severity,
		Status:    result.Status,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return types.UnknownValue
	}
	return t.UTC().Format(time.RFC3339)
}
