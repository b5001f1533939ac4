package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindProvisioning   Kind = "provisioning"
	KindAgentExecution Kind = "agent_execution"
	KindSync           Kind = "sync"
	KindVCS            Kind = "vcs"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInvalid        Kind = "invalid"
)

// Error is the base error type for sandbox-builder
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "create" or "merge"
	Subject string // sandbox, task or file the error is about
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a kind
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Provisioning returns an error for a failed sandbox create or reconnect
func Provisioning(op string, cause error) *Error {
	return &Error{
		Kind:    KindProvisioning,
		Op:      op,
		Message: fmt.Sprintf("sandbox %s failed", op),
		Cause:   cause,
	}
}

// AgentExecution returns an error for a failed coding agent session
func AgentExecution(cause error) *Error {
	return Wrap(KindAgentExecution, "coding agent failed", cause)
}

// Sync returns an error for a single file that could not be mirrored
func Sync(path string, cause error) *Error {
	return &Error{
		Kind:    KindSync,
		Op:      "sync",
		Subject: path,
		Message: fmt.Sprintf("syncing %s", path),
		Cause:   cause,
	}
}

// VCS returns an error for a failed version control operation
func VCS(op string, cause error) *Error {
	return &Error{
		Kind:    KindVCS,
		Op:      op,
		Message: fmt.Sprintf("vcs %s failed", op),
		Cause:   cause,
	}
}

// NotFound returns an error for a missing entity
func NotFound(what, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Subject: id,
		Message: fmt.Sprintf("%s not found: %s", what, id),
	}
}

// Conflict returns an error naming the task whose branch failed to merge
func Conflict(taskID string, cause error) *Error {
	return &Error{
		Kind:    KindConflict,
		Op:      "merge",
		Subject: taskID,
		Message: fmt.Sprintf("merge conflict on task %s", taskID),
		Cause:   cause,
	}
}

// Invalid returns an error for a bad argument
func Invalid(format string, args ...interface{}) *Error {
	return New(KindInvalid, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in the chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in the chain has the given kind
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// SubjectOf returns the subject of the first *Error in the chain
func SubjectOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Subject
	}
	return ""
}
