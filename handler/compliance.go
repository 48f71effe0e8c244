package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/policy"
	"github.com/yairfalse/vigil/types"
)

// ActionEvaluatePolicy is recorded when the compliance policy itself fails
const ActionEvaluatePolicy = "evaluate_policy"

// Catalog maps standard → rule id → rule title
type Catalog map[string]map[string]string

// DefaultCatalog returns the controls checked out of the box
func DefaultCatalog() Catalog {
	return Catalog{
		"PCI-DSS": {
			"1.1.4": "Install a firewall at each internet connection",
			"1.2.1": "Restrict inbound and outbound traffic",
			"2.1":   "Change default passwords",
			"3.4":   "Encrypt stored cardholder data",
			"4.1":   "Use strong cryptography for sensitive data",
			"6.5":   "Address common coding vulnerabilities",
			"8.2":   "Use proper authentication methods",
		},
		"HIPAA": {
			"164.312(a)(1)":     "Access Control",
			"164.312(a)(2)(i)":  "Unique User Identification",
			"164.312(a)(2)(ii)": "Emergency Access Procedure",
			"164.312(c)(1)":     "Data Integrity",
			"164.312(e)(1)":     "Transmission Security",
		},
		"ISO-27001": {
			"A.5.1.1":  "Information security policies",
			"A.8.2.3":  "Information handling",
			"A.9.2.3":  "Management of privileges",
			"A.10.1.1": "Cryptographic controls policy",
			"A.12.6.1": "Vulnerability management",
		},
	}
}

// Merge overlays other onto c. Rules in other replace rules with the same id.
func (c Catalog) Merge(other Catalog) Catalog {
	merged := make(Catalog, len(c)+len(other))
	for _, src := range []Catalog{c, other} {
		for standard, rules := range src {
			if merged[standard] == nil {
				merged[standard] = make(map[string]string, len(rules))
			}
			for id, title := range rules {
				merged[standard][id] = title
			}
		}
	}
	return merged
}

// Rules returns every rule sorted by category
func (c Catalog) Rules() []policy.Rule {
	var rules []policy.Rule
	for standard, ids := range c {
		for id, title := range ids {
			rules = append(rules, policy.Rule{Standard: standard, ID: id, Title: title})
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Category() < rules[j].Category()
	})
	return rules
}

// Decider picks the remediation for a compliance violation
type Decider interface {
	Evaluate(ctx context.Context, finding types.Finding, rule policy.Rule) (policy.Decision, error)
}

// ComplianceHandler remediates violations of one rule as the policy decides
type ComplianceHandler struct {
	rule     policy.Rule
	decider  Decider
	executor executor.Executor
}

// NewComplianceHandler creates a handler for rule
func NewComplianceHandler(rule policy.Rule, decider Decider, exec executor.Executor) *ComplianceHandler {
	return &ComplianceHandler{rule: rule, decider: decider, executor: exec}
}

// Name returns "compliance:<category>"
func (h *ComplianceHandler) Name() string {
	return "compliance:" + h.rule.Category()
}

// Rule returns the rule this handler enforces
func (h *ComplianceHandler) Rule() policy.Rule {
	return h.rule
}

// Handle asks the policy for a decision and runs its actions
func (h *ComplianceHandler) Handle(ctx context.Context, finding types.Finding) (types.HandlerResult, error) {
	result := types.HandlerResult{
		FindingID: finding.ID,
		Handler:   h.Name(),
		Status:    types.StatusHandled,
	}

	decision, err := h.decider.Evaluate(ctx, finding, h.rule)
	if err != nil {
		result.Record(ActionEvaluatePolicy)
		result.Fail(err, types.KindHandler)
		return result, nil
	}

	if err := runActions(ctx, h.executor, decision.Actions, finding, &result); err != nil {
		result.Fail(err, types.KindHandler)
		return result, nil
	}

	if decision.Escalate {
		result.Record(ActionEscalate)
		result.Status = types.StatusEscalated
	}
	return result, nil
}

// RegisterCompliance binds one compliance handler per catalog rule
func RegisterCompliance(reg *Registry, catalog Catalog, decider Decider, exec executor.Executor) error {
	for _, rule := range catalog.Rules() {
		if err := reg.Register(rule.Category(), NewComplianceHandler(rule, decider, exec)); err != nil {
			return fmt.Errorf("register compliance rule %s: %w", rule.Category(), err)
		}
	}
	return nil
}
