package executor

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/yairfalse/vigil/types"
)

var (
	instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)
	principalPattern  = regexp.MustCompile(`^[A-Za-z0-9+=,.@_-]{1,64}$`)
	targetPattern     = regexp.MustCompile(`^[A-Za-z0-9._:/@-]{1,253}$`)
)

// Default limits on how wide a blocked CIDR may be
const (
	DefaultMinIPv4Prefix = 24
	DefaultMinIPv6Prefix = 64
)

// DefaultSafetyChecker runs the standard checks
type DefaultSafetyChecker struct {
	allowed   map[string]bool
	protected map[string]bool
	minIPv4   int
	minIPv6   int
	checks    []SafetyCheckFunc
}

// SafetyCheckFunc is a single check
type SafetyCheckFunc func(ctx context.Context, action string, finding types.Finding) SafetyCheck

// NewDefaultSafetyChecker builds a checker from the engine options
func NewDefaultSafetyChecker(opts Options) *DefaultSafetyChecker {
	allowed := opts.AllowedActions
	if len(allowed) == 0 {
		allowed = KnownActions()
	}

	sc := &DefaultSafetyChecker{
		allowed:   toSet(allowed),
		protected: toSet(opts.ProtectedPrincipals),
		minIPv4:   opts.MinIPv4Prefix,
		minIPv6:   opts.MinIPv6Prefix,
	}
	if sc.minIPv4 <= 0 {
		sc.minIPv4 = DefaultMinIPv4Prefix
	}
	if sc.minIPv6 <= 0 {
		sc.minIPv6 = DefaultMinIPv6Prefix
	}
	sc.checks = []SafetyCheckFunc{
		sc.checkAllowedAction,
		sc.checkProtectedPrincipal,
		sc.checkArguments,
	}
	return sc
}

// CheckSafety runs all checks for one action
func (sc *DefaultSafetyChecker) CheckSafety(ctx context.Context, action string, finding types.Finding) []SafetyCheck {
	results := make([]SafetyCheck, 0, len(sc.checks))
	for _, check := range sc.checks {
		results = append(results, check(ctx, action, finding))
	}
	return results
}

func (sc *DefaultSafetyChecker) checkAllowedAction(_ context.Context, action string, _ types.Finding) SafetyCheck {
	check := SafetyCheck{
		Name:     "allowed_action_check",
		Severity: SeverityCritical,
		Passed:   sc.allowed[action],
	}
	if !check.Passed {
		check.Message = fmt.Sprintf("action %q is not in the allow-list", action)
	}
	return check
}

func (sc *DefaultSafetyChecker) checkProtectedPrincipal(_ context.Context, action string, finding types.Finding) SafetyCheck {
	check := SafetyCheck{
		Name:     "protected_principal_check",
		Severity: SeverityCritical,
		Passed:   true,
	}

	if action != ActionLockAccount && action != ActionRevokeSessions {
		return check
	}

	user := strings.ToLower(finding.Attr("user"))
	if sc.protected[user] {
		check.Passed = false
		check.Message = fmt.Sprintf("refusing to %s protected principal %s", action, user)
	}
	return check
}

// checkArguments validates the attribute each action reads before it is
// handed to a backend
func (sc *DefaultSafetyChecker) checkArguments(_ context.Context, action string, finding types.Finding) SafetyCheck {
	check := SafetyCheck{
		Name:     "argument_check",
		Severity: SeverityCritical,
		Passed:   true,
	}

	var err error
	switch action {
	case ActionBlockIP:
		err = sc.validateIP("source_ip", finding.Attr("source_ip"))
	case ActionBlockEgress:
		err = validateTarget("destination", finding.Attr("destination"))
		if err == nil && net.ParseIP(finding.Attr("destination")) == nil {
			// a destination that parses as a CIDR gets the same width limits
			if _, _, cidrErr := net.ParseCIDR(finding.Attr("destination")); cidrErr == nil {
				err = sc.validateIP("destination", finding.Attr("destination"))
			}
		}
	case ActionLockAccount, ActionRevokeSessions:
		err = validatePrincipal(finding.Attr("user"))
	case ActionIsolateNode:
		err = validateTarget("node", finding.Attr("node"))
	case ActionIsolateHost:
		err = validateTarget("host", finding.Attr("host"))
	case ActionStopContainer:
		err = validateTarget("container", finding.Attr("container"))
	case ActionKillProcess:
		err = validateTarget("process", finding.Attr("process"))
	case ActionQuarantineFile:
		err = validateTarget("file_path", finding.Attr("file_path"))
	}

	if err != nil {
		check.Passed = false
		check.Message = err.Error()
	}
	return check
}

// validateIP accepts a single address or a CIDR no wider than the
// configured minimum prefix. Default routes never pass.
func (sc *DefaultSafetyChecker) validateIP(name, s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return fmt.Errorf("%s %q is not an IP address or CIDR", name, s)
	}

	ones, bits := ipNet.Mask.Size()
	limit := sc.minIPv4
	if bits == net.IPv6len*8 {
		limit = sc.minIPv6
	}
	if ones == 0 || ones < limit {
		return fmt.Errorf("%s %q is broader than /%d", name, s, limit)
	}
	return nil
}

func validatePrincipal(s string) error {
	if s == types.UnknownValue || !principalPattern.MatchString(s) {
		return fmt.Errorf("user %q is not a valid principal name", s)
	}
	return nil
}

func validateTarget(name, s string) error {
	if s == types.UnknownValue {
		return fmt.Errorf("%s is missing", name)
	}
	if !targetPattern.MatchString(s) {
		return fmt.Errorf("%s %q contains characters outside the allowed set", name, s)
	}
	return nil
}

// IsInstanceID reports whether s looks like an EC2 instance id
func IsInstanceID(s string) bool {
	return instanceIDPattern.MatchString(s)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = true
	}
	return set
}
