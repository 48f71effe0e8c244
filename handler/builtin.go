package handler

import (
	"context"
	"fmt"

	"github.com/yairfalse/vigil/executor"
	"github.com/yairfalse/vigil/types"
)

// Incident categories with built-in handlers
const (
	CategoryContainerEscape     = "container_escape"
	CategoryUnauthorizedAccess  = "unauthorized_access"
	CategoryDataExfiltration    = "data_exfiltration"
	CategoryMalwareDetected     = "malware_detected"
	CategoryPrivilegeEscalation = "privilege_escalation"
)

// playbooks lists the remediation actions each incident category runs, in
// order
var playbooks = map[string][]string{
	CategoryContainerEscape:     {executor.ActionIsolateNode, executor.ActionStopContainer},
	CategoryUnauthorizedAccess:  {executor.ActionBlockIP, executor.ActionLockAccount},
	CategoryDataExfiltration:    {executor.ActionBlockEgress, executor.ActionRevokeSessions},
	CategoryMalwareDetected:     {executor.ActionIsolateHost, executor.ActionQuarantineFile},
	CategoryPrivilegeEscalation: {executor.ActionKillProcess, executor.ActionLockAccount},
}

// Playbook returns a copy of the built-in actions for category
func Playbook(category string) ([]string, bool) {
	actions, ok := playbooks[category]
	if !ok {
		return nil, false
	}
	return append([]string(nil), actions...), true
}

// ActionHandler runs a fixed list of remediation actions through an executor
type ActionHandler struct {
	name     string
	actions  []string
	executor executor.Executor
}

// NewActionHandler creates a handler that runs actions in order
func NewActionHandler(name string, actions []string, exec executor.Executor) *ActionHandler {
	return &ActionHandler{
		name:     name,
		actions:  append([]string(nil), actions...),
		executor: exec,
	}
}

// Name returns the handler name
func (h *ActionHandler) Name() string {
	return h.name
}

// Actions returns the actions the handler runs
func (h *ActionHandler) Actions() []string {
	return append([]string(nil), h.actions...)
}

// Handle runs each action, stopping at the first failure. Attempted actions
// are always recorded; the failing one is the last entry.
func (h *ActionHandler) Handle(ctx context.Context, finding types.Finding) (types.HandlerResult, error) {
	result := types.HandlerResult{
		FindingID: finding.ID,
		Handler:   h.name,
		Status:    types.StatusHandled,
	}

	if err := runActions(ctx, h.executor, h.actions, finding, &result); err != nil {
		result.Fail(err, types.KindHandler)
	}
	return result, nil
}

func runActions(ctx context.Context, exec executor.Executor, actions []string, finding types.Finding, result *types.HandlerResult) error {
	for _, action := range actions {
		result.Record(action)
		if err := exec.Execute(ctx, action, finding); err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
	}
	return nil
}

// RegisterBuiltins binds the incident handlers to reg
func RegisterBuiltins(reg *Registry, exec executor.Executor) error {
	for _, category := range []string{
		CategoryContainerEscape,
		CategoryUnauthorizedAccess,
		CategoryDataExfiltration,
		CategoryMalwareDetected,
		CategoryPrivilegeEscalation,
	} {
		if err := reg.Register(category, NewActionHandler(category, playbooks[category], exec)); err != nil {
			return fmt.Errorf("register builtin %s: %w", category, err)
		}
	}
	return nil
}
