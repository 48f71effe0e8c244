package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/vigil/types"
)

func failedChecks(checks []SafetyCheck) []string {
	var names []string
	for _, c := range checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

func TestDefaultSafetyChecker_Arguments(t *testing.T) {
	checker := NewDefaultSafetyChecker(Options{})

	tests := []struct {
		name       string
		action     string
		attrs      types.Attributes
		wantFailed []string
	}{
		{
			name:   "valid ip",
			action: ActionBlockIP,
			attrs:  types.Attributes{"source_ip": "10.0.0.5"},
		},
		{
			name:   "valid cidr",
			action: ActionBlockIP,
			attrs:  types.Attributes{"source_ip": "10.0.0.0/24"},
		},
		{
			name:       "ipv4 default route",
			action:     ActionBlockIP,
			attrs:      types.Attributes{"source_ip": "0.0.0.0/0"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:       "ipv6 default route",
			action:     ActionBlockIP,
			attrs:      types.Attributes{"source_ip": "::/0"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:       "cidr broader than /24",
			action:     ActionBlockIP,
			attrs:      types.Attributes{"source_ip": "10.0.0.0/16"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:   "ipv6 /64",
			action: ActionBlockIP,
			attrs:  types.Attributes{"source_ip": "2001:db8::/64"},
		},
		{
			name:       "ipv6 broader than /64",
			action:     ActionBlockIP,
			attrs:      types.Attributes{"source_ip": "2001:db8::/32"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:       "egress to default route",
			action:     ActionBlockEgress,
			attrs:      types.Attributes{"destination": "0.0.0.0/0"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:   "egress to host name",
			action: ActionBlockEgress,
			attrs:  types.Attributes{"destination": "c2.example.com"},
		},
		{
			name:       "shell metacharacters in ip",
			action:     ActionBlockIP,
			attrs:      types.Attributes{"source_ip": "10.0.0.5; rm -rf /"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:       "missing user",
			action:     ActionLockAccount,
			attrs:      types.Attributes{},
			wantFailed: []string{"argument_check"},
		},
		{
			name:   "valid user",
			action: ActionLockAccount,
			attrs:  types.Attributes{"user": "suspicious_user"},
		},
		{
			name:       "process with spaces",
			action:     ActionKillProcess,
			attrs:      types.Attributes{"process": "python -c evil"},
			wantFailed: []string{"argument_check"},
		},
		{
			name:   "file path",
			action: ActionQuarantineFile,
			attrs:  types.Attributes{"file_path": "/tmp/dropper.bin"},
		},
		{
			name:       "unknown action",
			action:     "format_disk",
			attrs:      types.Attributes{},
			wantFailed: []string{"allowed_action_check"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finding := types.Finding{Attributes: tt.attrs}
			checks := checker.CheckSafety(context.Background(), tt.action, finding)
			assert.Equal(t, tt.wantFailed, failedChecks(checks))
		})
	}
}

func TestDefaultSafetyChecker_PrefixLimits(t *testing.T) {
	checker := NewDefaultSafetyChecker(Options{MinIPv4Prefix: 16, MinIPv6Prefix: 48})

	for source, want := range map[string][]string{
		"10.0.0.0/16":   nil,
		"10.0.0.0/8":    {"argument_check"},
		"2001:db8::/48": nil,
		"2001:db8::/40": {"argument_check"},
	} {
		finding := types.Finding{Attributes: types.Attributes{"source_ip": source}}
		assert.Equal(t, want, failedChecks(checker.CheckSafety(context.Background(), ActionBlockIP, finding)), source)
	}

	// a /0 never passes, whatever the limit
	lax := NewDefaultSafetyChecker(Options{MinIPv4Prefix: -1})
	finding := types.Finding{Attributes: types.Attributes{"source_ip": "0.0.0.0/0"}}
	assert.Equal(t, []string{"argument_check"}, failedChecks(lax.CheckSafety(context.Background(), ActionBlockIP, finding)))
}

func TestDefaultSafetyChecker_ProtectedPrincipalOnlyForAccountActions(t *testing.T) {
	checker := NewDefaultSafetyChecker(Options{ProtectedPrincipals: []string{"admin"}})
	finding := types.Finding{Attributes: types.Attributes{"user": "admin", "source_ip": "10.0.0.5"}}

	assert.Empty(t, failedChecks(checker.CheckSafety(context.Background(), ActionBlockIP, finding)))
	assert.Equal(t,
		[]string{"protected_principal_check"},
		failedChecks(checker.CheckSafety(context.Background(), ActionRevokeSessions, finding)))
}

func TestIsInstanceID(t *testing.T) {
	assert.True(t, IsInstanceID("i-0123456789abcdef0"))
	assert.True(t, IsInstanceID("i-12345678"))
	assert.False(t, IsInstanceID("web-01"))
	assert.False(t, IsInstanceID("i-XYZ"))
}
