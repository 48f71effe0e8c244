package policy

import "github.com/yairfalse/vigil/types"

// Rule identifies one control of a compliance standard
type Rule struct {
	Standard string `json:"standard" yaml:"standard"`
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
}

// Category is the finding category compliance detectors emit for the rule,
// e.g. "PCI-DSS-3.4"
func (r Rule) Category() string {
	return r.Standard + "-" + r.ID
}

// Input is the document policies see as `input`
type Input struct {
	Finding types.Finding `json:"finding"`
	Rule    Rule          `json:"rule"`
}

// Decision is what a compliance policy asks the handler to do
type Decision struct {
	Actions  []string `json:"actions"`
	Escalate bool     `json:"escalate"`
	Reason   string   `json:"reason,omitempty"`
}

// DefaultDecision applies when a policy produces no actions
func DefaultDecision() Decision {
	return Decision{
		Actions: []string{"record_violation"},
		Reason:  "no policy decision",
	}
}
