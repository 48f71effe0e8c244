package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vigil/types"
)

// canonical finding keys; anything else on a record becomes an attribute
var findingKeys = map[string]bool{
	"id":         true,
	"category":   true,
	"type":       true,
	"severity":   true,
	"timestamp":  true,
	"attributes": true,
	"details":    true,
	"source":     true,
}

// FileDetector reads findings from a JSON or YAML file. The document is
// either a list of findings or an object with a "findings" list. Records
// in the flat incident shape ({"type": ..., "source_ip": ..., ...}) are
// accepted too: "type" stands in for category and unknown scalar keys are
// folded into attributes.
type FileDetector struct {
	name string
	path string
}

// NewFileDetector creates a detector for path
func NewFileDetector(path string) *FileDetector {
	return &FileDetector{name: sourceName("file", path), path: path}
}

// Name returns "file:<basename>"
func (d *FileDetector) Name() string {
	return d.name
}

// Detect reads and decodes the file
func (d *FileDetector) Detect(ctx context.Context) ([]types.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read findings: %w", err)
	}

	var findings []types.Finding
	switch formatFor(d.path) {
	case formatYAML:
		findings, err = decodeYAMLFindings(data)
	default:
		findings, err = decodeJSONFindings(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.path, err)
	}

	for i := range findings {
		if findings[i].Source == "" {
			findings[i].Source = d.name
		}
	}
	return findings, nil
}

func decodeJSONFindings(data []byte) ([]types.Finding, error) {
	records, err := jsonRecords(data, "findings")
	if err != nil {
		return nil, err
	}

	findings := make([]types.Finding, 0, len(records))
	for i, record := range records {
		f, err := decodeJSONFinding(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// jsonRecords accepts a top-level array or an object holding one under key
func jsonRecords(data []byte, key string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var records []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	list, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("expected a list or an object with %q", key)
	}
	if err := json.Unmarshal(list, &records); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return records, nil
}

func decodeJSONFinding(record json.RawMessage) (types.Finding, error) {
	var f types.Finding
	if err := json.Unmarshal(record, &f); err != nil {
		return types.Finding{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return types.Finding{}, err
	}

	if f.Category == "" {
		if raw, ok := fields["type"]; ok {
			if err := json.Unmarshal(raw, &f.Category); err != nil {
				return types.Finding{}, fmt.Errorf("type: %w", err)
			}
		}
	}

	extra := make(map[string]json.RawMessage)
	for key, value := range fields {
		if !findingKeys[key] {
			extra[key] = value
		}
	}
	if len(extra) == 0 {
		return f, nil
	}

	encoded, err := json.Marshal(extra)
	if err != nil {
		return types.Finding{}, err
	}
	var attrs types.Attributes
	if err := json.Unmarshal(encoded, &attrs); err != nil {
		return types.Finding{}, err
	}
	f.Attributes = mergeAttributes(f.Attributes, attrs)
	return f, nil
}

func decodeYAMLFindings(data []byte) ([]types.Finding, error) {
	records, err := yamlRecords(data, "findings")
	if err != nil {
		return nil, err
	}

	findings := make([]types.Finding, 0, len(records))
	for i, record := range records {
		f, err := decodeYAMLFinding(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func yamlRecords(data []byte, key string) ([]*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		return root.Content, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(root.Content); i += 2 {
			if root.Content[i].Value == key {
				list := root.Content[i+1]
				if list.Kind != yaml.SequenceNode {
					return nil, fmt.Errorf("%s must be a list (line %d)", key, list.Line)
				}
				return list.Content, nil
			}
		}
	}
	return nil, fmt.Errorf("expected a list or a mapping with %q", key)
}

func decodeYAMLFinding(record *yaml.Node) (types.Finding, error) {
	if record.Kind != yaml.MappingNode {
		return types.Finding{}, fmt.Errorf("record must be a mapping (line %d)", record.Line)
	}

	var f types.Finding
	if err := record.Decode(&f); err != nil {
		return types.Finding{}, err
	}

	extra := &yaml.Node{Kind: yaml.MappingNode}
	for i := 0; i+1 < len(record.Content); i += 2 {
		key, value := record.Content[i], record.Content[i+1]
		switch {
		case key.Value == "type" && f.Category == "":
			f.Category = value.Value
		case !findingKeys[key.Value]:
			extra.Content = append(extra.Content, key, value)
		}
	}
	if len(extra.Content) == 0 {
		return f, nil
	}

	var attrs types.Attributes
	if err := extra.Decode(&attrs); err != nil {
		return types.Finding{}, err
	}
	f.Attributes = mergeAttributes(f.Attributes, attrs)
	return f, nil
}

// mergeAttributes lets explicit attributes win over folded record keys
func mergeAttributes(explicit, folded types.Attributes) types.Attributes {
	out := folded.Clone()
	if out == nil {
		out = make(types.Attributes, len(explicit))
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}
