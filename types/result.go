package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the terminal state of one finding after dispatch
type Status string

const (
	StatusHandled   Status = "handled"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a terminal status
func (s Status) Valid() bool {
	switch s {
	case StatusHandled, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// ErrorKind classifies why a finding failed
type ErrorKind string

const (
	KindHandler       ErrorKind = "HandlerFailure"
	KindNotification  ErrorKind = "NotificationFailure"
	KindTimeout       ErrorKind = "TimeoutFailure"
	KindConfiguration ErrorKind = "ConfigurationError"
	// KindCancelled marks findings never submitted because the batch was cancelled
	KindCancelled ErrorKind = "Cancelled"
)

// Failure is an error with a kind from the taxonomy above
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	err     error
}

// NewFailure wraps err with kind
func NewFailure(kind ErrorKind, err error) *Failure {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Failure{Kind: kind, Message: err.Error(), err: err}
}

// Failuref builds a Failure from a format string
func Failuref(kind ErrorKind, format string, args ...any) *Failure {
	return NewFailure(kind, fmt.Errorf(format, args...))
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.err
}

// Classify maps err onto the taxonomy. Deadline errors are timeouts,
// cancellations are Cancelled, an existing Failure keeps its kind and
// anything else becomes fallback.
func Classify(err error, fallback ErrorKind) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewFailure(KindCancelled, err)
	}
	return NewFailure(fallback, err)
}

// HandlerResult is the outcome of dispatching one finding
type HandlerResult struct {
	FindingID    string        `json:"finding_id"`
	Handler      string        `json:"handler,omitempty"`
	Status       Status        `json:"status"`
	ActionsTaken []string      `json:"actions_taken"`
	Error        *Failure      `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Fail marks the result failed with err classified under fallback
func (r *HandlerResult) Fail(err error, fallback ErrorKind) {
	r.Status = StatusFailed
	r.Error = Classify(err, fallback)
}

// Record appends an action to the audit trail
func (r *HandlerResult) Record(action string) {
	r.ActionsTaken = append(r.ActionsTaken, action)
}
