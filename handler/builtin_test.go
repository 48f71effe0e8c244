package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/types"
)

// recordingExecutor records actions and fails the ones listed in failOn
type recordingExecutor struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (r *recordingExecutor) Execute(_ context.Context, action string, _ types.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action)
	return r.failOn[action]
}

func TestActionHandler_UnauthorizedAccess(t *testing.T) {
	exec := &recordingExecutor{}
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, exec))

	finding := types.Finding{
		ID:         "f-1",
		Category:   CategoryUnauthorizedAccess,
		Severity:   types.SeverityHigh,
		Attributes: types.Attributes{"source_ip": "10.0.0.5", "user": "suspicious_user"},
	}

	result, err := reg.Resolve(finding.Category).Handle(context.Background(), finding)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHandled, result.Status)
	assert.Equal(t, []string{"block_ip", "lock_account"}, result.ActionsTaken)
	assert.Nil(t, result.Error)
	assert.Equal(t, result.ActionsTaken, exec.calls)
}

func TestActionHandler_ExecutorFailure(t *testing.T) {
	exec := &recordingExecutor{failOn: map[string]error{
		executor.ActionIsolateHost: errors.New("edr api down"),
	}}
	h := NewActionHandler(CategoryMalwareDetected, []string{executor.ActionIsolateHost, executor.ActionQuarantineFile}, exec)

	result, err := h.Handle(context.Background(), types.Finding{ID: "f-2", Category: CategoryMalwareDetected})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.KindHandler, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "edr api down")
	assert.Equal(t, []string{executor.ActionIsolateHost}, result.ActionsTaken)
	assert.Equal(t, []string{executor.ActionIsolateHost}, exec.calls)
}

func TestActionHandler_TimeoutClassified(t *testing.T) {
	exec := &recordingExecutor{failOn: map[string]error{
		executor.ActionKillProcess: fmt.Errorf("agent call: %w", context.DeadlineExceeded),
	}}
	h := NewActionHandler(CategoryPrivilegeEscalation, playbooks[CategoryPrivilegeEscalation], exec)

	result, err := h.Handle(context.Background(), types.Finding{ID: "f-3"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Equal(t, types.KindTimeout, result.Error.Kind)
}

func TestActionHandler_DoesNotMutateFinding(t *testing.T) {
	h := NewActionHandler(CategoryContainerEscape, playbooks[CategoryContainerEscape], &recordingExecutor{})
	finding := types.Finding{
		ID:         "f-4",
		Category:   CategoryContainerEscape,
		Attributes: types.Attributes{"node": "worker-1", "container": "abc"},
	}
	snapshot := finding.Clone()

	_, err := h.Handle(context.Background(), finding)
	require.NoError(t, err)
	assert.Equal(t, snapshot, finding)
}

func TestRegisterBuiltins_AllCategories(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, &recordingExecutor{}))

	assert.Equal(t, []string{
		CategoryContainerEscape,
		CategoryDataExfiltration,
		CategoryMalwareDetected,
		CategoryPrivilegeEscalation,
		CategoryUnauthorizedAccess,
	}, reg.Categories())

	for _, category := range reg.Categories() {
		actions, ok := Playbook(category)
		require.True(t, ok)
		assert.Len(t, actions, 2, category)
	}
}

func TestPlaybook_ReturnsCopy(t *testing.T) {
	actions, ok := Playbook(CategoryDataExfiltration)
	require.True(t, ok)
	actions[0] = "tampered"

	again, _ := Playbook(CategoryDataExfiltration)
	assert.Equal(t, executor.ActionBlockEgress, again[0])

	_, ok = Playbook("unknown_type")
	assert.False(t, ok)
}
