package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/vigil/types"
)

func finding(id, category string, attrs types.Attributes) types.Finding {
	return types.Finding{ID: id, Category: category, Severity: types.SeverityHigh, Attributes: attrs}
}

func TestShouldDispatch_NoFilters(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.IsEmpty())
	assert.True(t, f.ShouldDispatch(finding("f1", "malware_detected", nil)))
}

func TestShouldDispatch_ExcludeCategories(t *testing.T) {
	f := New([]string{"port_scan", "cryptomining"}, nil, nil)
	assert.True(t, f.ShouldDispatch(finding("f1", "malware_detected", nil)))
	assert.False(t, f.ShouldDispatch(finding("f2", "port_scan", nil)))
	assert.False(t, f.ShouldDispatch(finding("f3", "cryptomining", nil)))
}

func TestShouldDispatch_IncludeAttributes(t *testing.T) {
	f := New(nil, map[string]string{"env": "prod", "team": "platform"}, nil)

	assert.True(t, f.ShouldDispatch(finding("f1", "port_scan", types.Attributes{"env": "prod", "team": "platform", "host": "web-1"})))
	// one required attribute missing
	assert.False(t, f.ShouldDispatch(finding("f2", "port_scan", types.Attributes{"env": "prod"})))
	assert.False(t, f.ShouldDispatch(finding("f3", "port_scan", types.Attributes{"env": "staging", "team": "platform"})))
	assert.False(t, f.ShouldDispatch(finding("f4", "port_scan", nil)))
}

func TestShouldDispatch_ExcludeAttributes(t *testing.T) {
	f := New(nil, nil, map[string]string{"env": "sandbox", "scanner": "internal"})

	assert.True(t, f.ShouldDispatch(finding("f1", "port_scan", types.Attributes{"env": "prod"})))
	assert.True(t, f.ShouldDispatch(finding("f2", "port_scan", nil)))
	assert.False(t, f.ShouldDispatch(finding("f3", "port_scan", types.Attributes{"env": "sandbox"})))
	assert.False(t, f.ShouldDispatch(finding("f4", "port_scan", types.Attributes{"env": "prod", "scanner": "internal"})))
}

func TestShouldDispatch_Combined(t *testing.T) {
	f := New([]string{"port_scan"}, map[string]string{"env": "prod"}, map[string]string{"owner": "red-team"})

	assert.True(t, f.ShouldDispatch(finding("f1", "malware_detected", types.Attributes{"env": "prod"})))
	assert.False(t, f.ShouldDispatch(finding("f2", "port_scan", types.Attributes{"env": "prod"})))
	assert.False(t, f.ShouldDispatch(finding("f3", "malware_detected", types.Attributes{"env": "prod", "owner": "red-team"})))
}

func TestApply(t *testing.T) {
	f := New([]string{"port_scan"}, nil, nil)
	findings := []types.Finding{
		finding("f1", "malware_detected", nil),
		finding("f2", "port_scan", nil),
		finding("f3", "unauthorized_access", nil),
	}

	kept, suppressed := f.Apply(findings)
	assert.Equal(t, 1, suppressed)
	if assert.Len(t, kept, 2) {
		assert.Equal(t, "f1", kept[0].ID)
		assert.Equal(t, "f3", kept[1].ID)
	}
}

func TestApply_EmptyAndNil(t *testing.T) {
	findings := []types.Finding{finding("f1", "port_scan", nil)}

	kept, suppressed := New(nil, nil, nil).Apply(findings)
	assert.Equal(t, findings, kept)
	assert.Zero(t, suppressed)

	var f *Filter
	kept, suppressed = f.Apply(findings)
	assert.Equal(t, findings, kept)
	assert.Zero(t, suppressed)
}
