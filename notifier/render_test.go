package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/vigil/types"
)

func sampleFinding() types.Finding {
	return types.Finding{
		ID:        "f-1",
		Category:  "unauthorized_access",
		Severity:  types.SeverityHigh,
		Timestamp: time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC),
		Attributes: types.Attributes{
			"source_ip": "10.0.0.5",
			"user":      "suspicious_user",
			"password":  "hunter2",
			"api_key":   "AKIAEXAMPLE",
		},
		Details: "Multiple failed logins followed by success",
	}
}

func sampleResult() types.HandlerResult {
	return types.HandlerResult{
		FindingID:    "f-1",
		Status:       types.StatusHandled,
		ActionsTaken: []string{"block_ip", "lock_account"},
	}
}

func TestRender_Format(t *testing.T) {
	msg := Render(sampleFinding(), sampleResult(), NewRedactor(nil))

	assert.Equal(t, "SECURITY INCIDENT: HIGH - Unauthorized Access", msg.Title)
	assert.Equal(t, `*SECURITY INCIDENT: HIGH - Unauthorized Access*
Time: 2026-10-14T08:00:00Z
Finding: f-1
Status: handled
Actions: block_ip, lock_account
Details: Multiple failed logins followed by success
Attributes:
  api_key: ********
  password: ********
  source_ip: 10.0.0.5
  user: suspicious_user
`, msg.Text)
	assert.Equal(t, types.SeverityHigh, msg.Severity)
	assert.Equal(t, "unauthorized_access", msg.Category)
}

func TestRender_Deterministic(t *testing.T) {
	redactor := NewRedactor(nil)
	first := Render(sampleFinding(), sampleResult(), redactor)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Render(sampleFinding(), sampleResult(), redactor))
	}
}

func TestRender_NeverLeaksSensitiveValues(t *testing.T) {
	secrets := types.Attributes{
		"password":              "p1",
		"DB_PASSWORD":           "p2",
		"aws_secret_access_key": "p3",
		"API-Key":               "p4",
		"apiKey":                "p5",
		"session_cookie":        "p6",
		"github_token":          "p7",
		"ssh_private_key":       "p8",
		"Credentials":           "p9",
		"authorization":         "Bearer eyJhbGciOiJIUzI1NiJ9",
		"db_pass":               "hunter2",
		"aws_key":               "AKIAEXAMPLE",
		"cookie":                "sid=abc",
		"X-Bearer":              "b1",
		"smtp_pwd":              "p10",
		"ApiKey":                "p11",
	}
	finding := sampleFinding()
	finding.Attributes = secrets

	msg := Render(finding, sampleResult(), NewRedactor(nil))
	for key, value := range secrets {
		assert.NotContains(t, msg.Text, value, key)
		assert.Contains(t, msg.Text, key+": "+Mask)
	}
}

func TestRedactor_DefaultsKeepOrdinaryAttributes(t *testing.T) {
	r := NewRedactor(nil)
	for _, key := range []string{"source_ip", "user", "host", "destination", "file_path", "process", "instance_id"} {
		assert.False(t, r.Sensitive(key), key)
	}
}

func TestRedactor_CustomPatterns(t *testing.T) {
	r := NewRedactor([]string{"SSN", " "})

	assert.True(t, r.Sensitive("patient_ssn"))
	assert.False(t, r.Sensitive("password"))

	out := r.Redact(types.Attributes{"ssn": "123-45-6789", "host": "db-1"})
	assert.Equal(t, Mask, out["ssn"])
	assert.Equal(t, "db-1", out["host"])
}

func TestRender_FailedResultAndMissingTimestamp(t *testing.T) {
	finding := types.Finding{ID: "f-2", Category: "port-scan", Severity: types.SeverityLow}
	result := types.HandlerResult{
		FindingID: "f-2",
		Status:    types.StatusFailed,
		Error:     types.Failuref(types.KindTimeout, "edr call timed out"),
	}

	msg := Render(finding, result, NewRedactor(nil))
	assert.Equal(t, "SECURITY INCIDENT: LOW - port-scan", msg.Title)
	assert.Contains(t, msg.Text, "Time: unknown\n")
	assert.Contains(t, msg.Text, "Error: TimeoutFailure: edr call timed out\n")
	assert.False(t, strings.Contains(msg.Text, "Attributes:"))
}
