package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

var encryptionRule = Rule{Standard: "PCI-DSS", ID: "3.4", Title: "Encrypt stored cardholder data"}

func violation(sev types.Severity) types.Finding {
	return types.Finding{
		ID:         "f-1",
		Category:   encryptionRule.Category(),
		Severity:   sev,
		Attributes: types.Attributes{"resource": "aws_s3_bucket.app_data"},
		Details:    "Encryption not enabled",
	}
}

func TestRule_Category(t *testing.T) {
	assert.Equal(t, "PCI-DSS-3.4", encryptionRule.Category())
	assert.Equal(t, "HIPAA-164.312(a)(1)", Rule{Standard: "HIPAA", ID: "164.312(a)(1)"}.Category())
}

func TestEngine_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"default.rego"}, engine.Modules())

	tests := []struct {
		severity     types.Severity
		wantActions  []string
		wantEscalate bool
	}{
		{types.SeverityCritical, []string{"open_ticket"}, true},
		{types.SeverityHigh, []string{"open_ticket"}, true},
		{types.SeverityMedium, []string{"record_violation"}, false},
		{types.SeverityLow, []string{"record_violation"}, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			decision, err := engine.Evaluate(ctx, violation(tt.severity), encryptionRule)
			require.NoError(t, err)
			assert.Equal(t, tt.wantActions, decision.Actions)
			assert.Equal(t, tt.wantEscalate, decision.Escalate)
			assert.Contains(t, decision.Reason, "PCI-DSS")
		})
	}
}

func TestEngine_CustomPolicyFile(t *testing.T) {
	dir := t.TempDir()
	custom := `package vigil.compliance

import rego.v1

actions := ["record_violation", "open_ticket"] if input.rule.standard == "HIPAA"

escalate := true if input.finding.attributes.resource == "patient-db"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hipaa.rego"), []byte(custom), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	ctx := context.Background()
	engine, err := NewEngine(ctx, Config{Files: []string{dir}, SkipDefault: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, engine.Modules(), 1)

	rule := Rule{Standard: "HIPAA", ID: "164.312(a)(1)", Title: "Access Control"}
	finding := types.Finding{
		ID:         "f-2",
		Category:   rule.Category(),
		Severity:   types.SeverityMedium,
		Attributes: types.Attributes{"resource": "patient-db"},
	}

	decision, err := engine.Evaluate(ctx, finding, rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"record_violation", "open_ticket"}, decision.Actions)
	assert.True(t, decision.Escalate)
}

func TestEngine_NoDecisionFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "narrow.rego")
	narrow := `package vigil.compliance

import rego.v1

actions := ["open_ticket"] if input.rule.standard == "ISO-27001"
`
	require.NoError(t, os.WriteFile(path, []byte(narrow), 0o600))

	ctx := context.Background()
	engine, err := NewEngine(ctx, Config{Files: []string{path}, SkipDefault: true}, zerolog.Nop())
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, violation(types.SeverityCritical), encryptionRule)
	require.NoError(t, err)
	assert.Equal(t, DefaultDecision().Actions, decision.Actions)
	assert.False(t, decision.Escalate)
}

func TestNewEngine_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewEngine(ctx, Config{SkipDefault: true}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEngine(ctx, Config{Files: []string{filepath.Join(t.TempDir(), "missing.rego")}}, zerolog.Nop())
	assert.Error(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	require.NoError(t, os.WriteFile(path, []byte("package vigil.compliance\n\nactions contains"), 0o600))
	_, err = NewEngine(ctx, Config{Files: []string{path}}, zerolog.Nop())
	assert.Error(t, err)
}
