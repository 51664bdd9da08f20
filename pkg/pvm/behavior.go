// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

// ActivityBehavior decides what happens when an execution arrives at an
// activity. Execute either moves the execution on (Leave, Take, TakeAll, End,
// ExecuteActivity) or returns without doing so, which parks the execution in a
// wait state. Returning a *Fault raises a business fault.
type ActivityBehavior interface {
	Execute(ex *Execution) error
}

// SignallableActivityBehavior resumes an execution parked in a wait state.
type SignallableActivityBehavior interface {
	ActivityBehavior
	Signal(ex *Execution, signalName string, data any) error
}

// CompositeActivityBehavior is notified when the scope execution of a
// composite activity has no running children left. Complete usually leaves
// the activity.
type CompositeActivityBehavior interface {
	ActivityBehavior
	Complete(scopeExecution *Execution) error
}

// PassiveEventBehavior receives engine internal events for an execution
// parked at the activity, for example the end of all compensation handlers it
// triggered. Activities without it simply leave on such events.
type PassiveEventBehavior interface {
	ActivityBehavior
	OnEvent(ex *Execution, event string, data any) error
}

// Engine internal events delivered through PassiveEventBehavior.
const (
	EventCompensationDone = "compensation-done"
)

// Signal names the engine itself sends.
const (
	SignalTimer = "timer"
)
