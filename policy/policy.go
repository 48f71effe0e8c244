// Package policy decides how compliance violations are remediated using
// Open Policy Agent.
package policy

import (
	_ "embed"
)

// DefaultQuery is the document every compliance policy must populate
const DefaultQuery = "data.vigil.compliance"

// DefaultModule is the built-in compliance policy. Critical and high
// violations open a ticket and escalate; everything else is recorded.
//
//go:embed default.rego
var DefaultModule string
