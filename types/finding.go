package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// UnknownValue is what Attr returns for a missing attribute
const UnknownValue = "unknown"

// Attributes holds detector-specific context (source_ip, user, host, ...).
// Values are always primitives rendered as strings so they can be logged and
// alerted on without dragging live references along.
type Attributes map[string]string

// Clone returns an independent copy
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns attribute keys in sorted order
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnmarshalJSON accepts string, number and boolean values and rejects nested structures
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("attributes must be an object: %w", err)
	}
	if raw == nil {
		*a = nil
		return nil
	}

	out := make(Attributes, len(raw))
	for key, value := range raw {
		s, err := jsonScalar(value)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		out[key] = s
	}
	*a = out
	return nil
}

func jsonScalar(value json.RawMessage) (string, error) {
	dec := json.NewDecoder(strings.NewReader(string(value)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("value must be a primitive, got %T", v)
	}
}

// UnmarshalYAML applies the same primitive-only rule to YAML input
func (a *Attributes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("attributes must be a mapping (line %d)", node.Line)
	}

	out := make(Attributes, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("attribute %q: value must be a primitive (line %d)", key.Value, value.Line)
		}
		out[key.Value] = value.Value
	}
	*a = out
	return nil
}

// Finding is one detected security condition. Treat it as immutable once
// created; handlers receive a Clone.
type Finding struct {
	ID         string     `json:"id" yaml:"id"`
	Category   string     `json:"category" yaml:"category"`
	Severity   Severity   `json:"severity" yaml:"severity"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Details    string     `json:"details,omitempty" yaml:"details,omitempty"`
	Source     string     `json:"source,omitempty" yaml:"source,omitempty"`
}

// Validate ensures the finding has the fields dispatch depends on
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.Category) == "" {
		return fmt.Errorf("finding category cannot be empty")
	}
	if f.Severity == "" {
		return fmt.Errorf("finding severity cannot be empty")
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("finding severity %q is not one of low, medium, high, critical", f.Severity)
	}
	return nil
}

// Normalize fills the id and timestamp a detector left out
func (f Finding) Normalize(now time.Time, newID func() string) Finding {
	if f.ID == "" {
		f.ID = newID()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	f.Attributes = f.Attributes.Clone()
	return f
}

// Clone returns a copy that shares no mutable state with f
func (f Finding) Clone() Finding {
	f.Attributes = f.Attributes.Clone()
	return f
}

// Attr returns the attribute value, or UnknownValue when it is absent
func (f Finding) Attr(key string) string {
	if v, ok := f.Attributes[key]; ok && v != "" {
		return v
	}
	return UnknownValue
}

// Title turns "unauthorized_access" into "Unauthorized Access". Categories
// without underscores (rule ids such as "PCI-DSS-3.4") are returned as is.
func (f Finding) Title() string {
	if !strings.Contains(f.Category, "_") {
		return f.Category
	}
	words := strings.FieldsFunc(f.Category, func(r rune) bool { return r == '_' })
	for i, w := range words {
		first, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(first)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
