package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/types"
)

// MockDecider implements Decider for testing
type MockDecider struct {
	EvaluateFunc func(ctx context.Context, finding types.Finding, rule policy.Rule) (policy.Decision, error)
}

func (m *MockDecider) Evaluate(ctx context.Context, finding types.Finding, rule policy.Rule) (policy.Decision, error) {
	return m.EvaluateFunc(ctx, finding, rule)
}

func decide(d policy.Decision) *MockDecider {
	return &MockDecider{EvaluateFunc: func(context.Context, types.Finding, policy.Rule) (policy.Decision, error) {
		return d, nil
	}}
}

var encryptionRule = policy.Rule{Standard: "PCI-DSS", ID: "3.4", Title: "Encrypt stored cardholder data"}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()
	rules := catalog.Rules()
	assert.Len(t, rules, 17)

	assert.Equal(t, "Access Control", catalog["HIPAA"]["164.312(a)(1)"])
	assert.Contains(t, rules, policy.Rule{Standard: "HIPAA", ID: "164.312(a)(1)", Title: "Access Control"})
	assert.NotContains(t, catalog["PCI-DSS"], "99")
}

func TestCatalog_Merge(t *testing.T) {
	merged := DefaultCatalog().Merge(Catalog{
		"PCI-DSS": {"3.4": "Render PAN unreadable"},
		"SOC2":    {"CC6.1": "Logical access security"},
	})

	assert.Equal(t, "Render PAN unreadable", merged["PCI-DSS"]["3.4"])
	assert.Contains(t, merged.Rules(), policy.Rule{Standard: "SOC2", ID: "CC6.1", Title: "Logical access security"})

	// merging never mutates the receiver
	assert.Equal(t, "Encrypt stored cardholder data", DefaultCatalog()["PCI-DSS"]["3.4"])
}

func TestComplianceHandler_Handled(t *testing.T) {
	exec := &recordingExecutor{}
	h := NewComplianceHandler(encryptionRule, decide(policy.Decision{Actions: []string{executor.ActionRecordViolation}}), exec)

	result, err := h.Handle(context.Background(), types.Finding{ID: "c-1", Category: "PCI-DSS-3.4", Severity: types.SeverityLow})
	require.NoError(t, err)
	assert.Equal(t, types.StatusHandled, result.Status)
	assert.Equal(t, []string{executor.ActionRecordViolation}, result.ActionsTaken)
	assert.Equal(t, "compliance:PCI-DSS-3.4", result.Handler)
}

func TestComplianceHandler_Escalated(t *testing.T) {
	exec := &recordingExecutor{}
	h := NewComplianceHandler(encryptionRule, decide(policy.Decision{
		Actions:  []string{executor.ActionOpenTicket},
		Escalate: true,
	}), exec)

	result, err := h.Handle(context.Background(), types.Finding{ID: "c-2", Severity: types.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, types.StatusEscalated, result.Status)
	assert.Equal(t, []string{executor.ActionOpenTicket, ActionEscalate}, result.ActionsTaken)
}

func TestComplianceHandler_PolicyError(t *testing.T) {
	decider := &MockDecider{EvaluateFunc: func(context.Context, types.Finding, policy.Rule) (policy.Decision, error) {
		return policy.Decision{}, errors.New("rego eval_conflict_error")
	}}
	h := NewComplianceHandler(encryptionRule, decider, &recordingExecutor{})

	result, err := h.Handle(context.Background(), types.Finding{ID: "c-3"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, []string{ActionEvaluatePolicy}, result.ActionsTaken)
	assert.Equal(t, types.KindHandler, result.Error.Kind)
}

func TestComplianceHandler_ExecutorFailureNotEscalated(t *testing.T) {
	exec := &recordingExecutor{failOn: map[string]error{executor.ActionOpenTicket: errors.New("queue full")}}
	h := NewComplianceHandler(encryptionRule, decide(policy.Decision{
		Actions:  []string{executor.ActionOpenTicket},
		Escalate: true,
	}), exec)

	result, err := h.Handle(context.Background(), types.Finding{ID: "c-4"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, []string{executor.ActionOpenTicket}, result.ActionsTaken)
}

func TestRegisterCompliance_WithDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.Config{}, zerolog.Nop())
	require.NoError(t, err)

	reg := NewRegistry()
	exec := &recordingExecutor{}
	require.NoError(t, RegisterCompliance(reg, DefaultCatalog(), engine, exec))
	assert.Len(t, reg.Categories(), 17)

	finding := types.Finding{
		ID:         "c-5",
		Category:   "PCI-DSS-1.2.1",
		Severity:   types.SeverityHigh,
		Attributes: types.Attributes{"resource": "aws_security_group.app_sg"},
		Details:    "Open to world (0.0.0.0/0)",
	}

	result, err := reg.Resolve(finding.Category).Handle(ctx, finding)
	require.NoError(t, err)
	assert.Equal(t, types.StatusEscalated, result.Status)
	assert.Equal(t, []string{executor.ActionOpenTicket, ActionEscalate}, result.ActionsTaken)
}
