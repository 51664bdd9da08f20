// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import "fmt"

// EngineError is the generic failure of an engine command.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// IllegalExecutionStateError is returned when an operation targets an
// execution that is not in the state the operation requires.
type IllegalExecutionStateError struct {
	ExecutionKey int64
	Msg          string
}

func (e *IllegalExecutionStateError) Error() string {
	return fmt.Sprintf("illegal state of execution %d: %s", e.ExecutionKey, e.Msg)
}

// MigrationStateError is returned when an execution references an activity
// that no longer exists in its process definition.
type MigrationStateError struct {
	ExecutionKey int64
	ActivityId   string
	DefinitionId string
}

func (e *MigrationStateError) Error() string {
	return fmt.Sprintf("execution %d references activity %s which does not exist in process definition %s",
		e.ExecutionKey, e.ActivityId, e.DefinitionId)
}

// InvariantViolationError reports a broken execution tree. The engine raises it
// with panic while mutating the tree and converts it into a returned error at
// the command boundary, the mutated tree is never stored.
type InvariantViolationError struct {
	Msg string
}

func (e *InvariantViolationError) Error() string {
	return "[invariant check] " + e.Msg
}

func invariantViolation(format string, a ...interface{}) {
	panic(&InvariantViolationError{Msg: fmt.Sprintf(format, a...)})
}

// Fault is a business fault raised by an activity behavior. It is not an
// engine failure: the engine routes it to the closest fault transition.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("fault %s: %s", f.Code, f.Message)
	}
	return "fault " + f.Code
}

// UnhandledFaultError is returned when no enclosing activity declares a fault
// transition for a raised fault.
type UnhandledFaultError struct {
	Fault        *Fault
	ActivityId   string
	ExecutionKey int64
}

func (e *UnhandledFaultError) Error() string {
	return fmt.Sprintf("unhandled %s raised by activity %s (execution %d)", e.Fault.Error(), e.ActivityId, e.ExecutionKey)
}

func (e *UnhandledFaultError) Unwrap() error {
	return e.Fault
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + "\nerror: " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}

// DefinitionError is returned by the builder for invalid graphs.
type DefinitionError struct {
	DefinitionId string
	Msg          string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid process definition %s: %s", e.DefinitionId, e.Msg)
}

// NoOutgoingTransitionError is returned by behaviors that need a specific
// outgoing transition the activity does not declare.
type NoOutgoingTransitionError struct {
	ActivityId   string
	TransitionId string
}

func (e *NoOutgoingTransitionError) Error() string {
	return fmt.Sprintf("activity %s has no outgoing transition %s", e.ActivityId, e.TransitionId)
}
