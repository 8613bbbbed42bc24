// Package apperrors defines the typed errors shared by every component.
// Each error carries the task id, the component that raised it and a timestamp,
// so an audit trail can be rebuilt even when the audit write itself failed.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindPolicyDenied     Kind = "policy_denied"
	KindExecutionTimeout Kind = "execution_timeout"
	KindExecutionFailure Kind = "execution_failure"
	KindPersistence      Kind = "persistence"
	KindMeshConflict     Kind = "mesh_conflict"
	KindNotFound         Kind = "not_found"
	KindVoteClosed       Kind = "vote_closed"
)

type Error struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	Component string    `json:"component"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	Err       error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.TaskID != "" {
		return fmt.Sprintf("%s [%s] task %s: %s", e.Component, e.Kind, e.TaskID, msg)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Component, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, component, taskID, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		TaskID:    taskID,
		Component: component,
		Time:      time.Now().UTC(),
		Message:   message,
		Err:       err,
	}
}

func Validation(component, taskID, message string) *Error {
	return New(KindValidation, component, taskID, message, nil)
}

func PolicyDenied(component, taskID, message string) *Error {
	return New(KindPolicyDenied, component, taskID, message, nil)
}

func ExecutionTimeout(component, taskID string, err error) *Error {
	return New(KindExecutionTimeout, component, taskID, "handler exceeded its granted timeout", err)
}

func ExecutionFailure(component, taskID string, err error) *Error {
	return New(KindExecutionFailure, component, taskID, "handler failed", err)
}

func Persistence(component, taskID string, err error) *Error {
	return New(KindPersistence, component, taskID, "write failed", err)
}

func MeshConflict(component, taskID, message string) *Error {
	return New(KindMeshConflict, component, taskID, message, nil)
}

func NotFound(component, taskID, message string) *Error {
	return New(KindNotFound, component, taskID, message, nil)
}

func VoteClosed(component, voteID string) *Error {
	return New(KindVoteClosed, component, "", fmt.Sprintf("vote %s no longer accepts ballots", voteID), nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsValidation(err error) bool   { return Is(err, KindValidation) }
func IsNotFound(err error) bool     { return Is(err, KindNotFound) }
func IsPersistence(err error) bool  { return Is(err, KindPersistence) }
func IsMeshConflict(err error) bool { return Is(err, KindMeshConflict) }
func IsVoteClosed(err error) bool   { return Is(err, KindVoteClosed) }
func IsTimeout(err error) bool      { return Is(err, KindExecutionTimeout) }
