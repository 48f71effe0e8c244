package executor

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/vigil/types"
)

// Remediation actions handlers may request. Arguments always come from the
// finding's structured attributes, never from a formatted command string.
const (
	ActionIsolateNode     = "isolate_node"
	ActionStopContainer   = "stop_container"
	ActionBlockIP         = "block_ip"
	ActionLockAccount     = "lock_account"
	ActionBlockEgress     = "block_egress"
	ActionRevokeSessions  = "revoke_sessions"
	ActionIsolateHost     = "isolate_host"
	ActionQuarantineFile  = "quarantine_file"
	ActionKillProcess     = "kill_process"
	ActionRecordViolation = "record_violation"
	ActionOpenTicket      = "open_ticket"
)

// KnownActions lists every action the built-in handlers and the default
// compliance policy can request
func KnownActions() []string {
	return []string{
		ActionIsolateNode,
		ActionStopContainer,
		ActionBlockIP,
		ActionLockAccount,
		ActionBlockEgress,
		ActionRevokeSessions,
		ActionIsolateHost,
		ActionQuarantineFile,
		ActionKillProcess,
		ActionRecordViolation,
		ActionOpenTicket,
	}
}

var (
	// ErrUnsupportedAction is returned when no backend can run an action
	ErrUnsupportedAction = errors.New("unsupported remediation action")
	// ErrBlocked is returned when a critical safety check refuses an action
	ErrBlocked = errors.New("remediation blocked by safety check")
)

// Executor performs one remediation action for a finding
type Executor interface {
	Execute(ctx context.Context, action string, finding types.Finding) error
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, action string, finding types.Finding) error

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, action string, finding types.Finding) error {
	return f(ctx, action, finding)
}

// Options configure the Engine
type Options struct {
	DryRun  bool          `json:"dry_run"`
	Timeout time.Duration `json:"timeout"`
	// AllowedActions restricts which actions may run. Empty means KnownActions.
	AllowedActions []string `json:"allowed_actions,omitempty"`
	// ProtectedPrincipals are user names that must never be locked or revoked
	ProtectedPrincipals []string `json:"protected_principals,omitempty"`
	// MinIPv4Prefix and MinIPv6Prefix are the widest CIDRs block actions
	// accept. Zero means DefaultMinIPv4Prefix and DefaultMinIPv6Prefix.
	MinIPv4Prefix int `json:"min_ipv4_prefix,omitempty"`
	MinIPv6Prefix int `json:"min_ipv6_prefix,omitempty"`
}

// BlockSeverity indicates how critical a failed safety check is
type BlockSeverity string

const (
	SeverityWarning  BlockSeverity = "warning"
	SeverityError    BlockSeverity = "error"
	SeverityCritical BlockSeverity = "critical"
)

// SafetyCheck is the outcome of one pre-execution validation
type SafetyCheck struct {
	Name     string        `json:"name"`
	Severity BlockSeverity `json:"severity"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
}

// SafetyChecker validates an action before it reaches a backend
type SafetyChecker interface {
	CheckSafety(ctx context.Context, action string, finding types.Finding) []SafetyCheck
}
