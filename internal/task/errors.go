package task

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code surfaced to callers.
type Code string

const (
	// Validation.
	CodeInvalidRecord Code = "task_record_invalid"

	// State.
	CodeIllegalTransition Code = "illegal_task_state_transition"
	CodeUnknownTask       Code = "unknown_task_id"
	CodeExpired           Code = "task_expired"
	CodeNotResumable      Code = "task_not_resumable"
	CodeNotRunning        Code = "task_not_running"
	CodeDuplicateID       Code = "duplicate_task_id"
	CodeStoreReadOnly     Code = "task_store_read_only"

	// Execution.
	CodeBackendTimeout     Code = "task_backend_timeout"
	CodeBackendFailed      Code = "task_backend_execution_failed"
	CodeAborted            Code = "task_aborted"
	CodeUnsupportedBackend Code = "unsupported_subagent_backend"
	CodeUnknownSubagent    Code = "unknown_subagent_type"
	CodeRehydrated         Code = "task_rehydrated_incomplete"

	// Persistence.
	CodePersistenceRead    Code = "task_persistence_read_failed"
	CodePersistenceWrite   Code = "task_persistence_write_failed"
	CodePersistenceInvalid Code = "task_persistence_entry_invalid"

	// Feature gate.
	CodeSubagentsDisabled Code = "subagents_disabled"
)

// Error is the failure value returned by every task-level operation.
type Error struct {
	Code    Code
	Message string
	// Remediation names the knob a caller can change, when one exists.
	Remediation string
	TaskID      string
	From, To    State
	Cause       error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code so callers can use errors.Is with a
// sentinel built from New.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an Error with a fixed message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the task error code from err, or "" when err is not a
// task error.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// MessageOf returns the human-readable message of a task error, or
// err.Error() for anything else.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Remediation != "" {
			return te.Message + " (" + te.Remediation + ")"
		}
		return te.Message
	}
	return err.Error()
}
