// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"context"
	"maps"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// Execution is the view behaviors and listeners get of one node of the
// execution tree. It is only valid during the call it was passed to.
type Execution struct {
	cmd   *commandContext
	state *runtime.Execution

	progressed    bool
	eventName     string
	eventActivity *Activity
	transition    *Transition
}

func (ex *Execution) Key() int64 {
	return ex.state.Key
}

func (ex *Execution) ProcessInstanceKey() int64 {
	return ex.cmd.instance.Key
}

func (ex *Execution) ProcessDefinition() *ProcessDefinition {
	return ex.cmd.definition
}

// Activity returns the activity the execution is positioned at, or the
// activity a listener was fired for.
func (ex *Execution) Activity() *Activity {
	if ex.eventActivity != nil {
		return ex.eventActivity
	}
	return ex.cmd.activity(ex.state)
}

// Transition returns the transition being taken while take listeners run.
func (ex *Execution) Transition() *Transition {
	return ex.transition
}

// EventName returns the listener event currently fired, empty inside behaviors.
func (ex *Execution) EventName() string {
	return ex.eventName
}

func (ex *Execution) ActivityInstanceId() string {
	return ex.state.ActivityInstanceId
}

func (ex *Execution) Parent() *Execution {
	parent := ex.cmd.parent(ex.state)
	if parent == nil {
		return nil
	}
	return ex.cmd.handleFor(parent)
}

func (ex *Execution) IsActive() bool {
	return ex.state.Active
}

func (ex *Execution) IsEnded() bool {
	return ex.state.Ended
}

func (ex *Execution) IsConcurrent() bool {
	return ex.state.Concurrent
}

func (ex *Execution) IsScope() bool {
	return ex.state.Scope
}

func (ex *Execution) IsEventScope() bool {
	return ex.state.EventScope
}

func (ex *Execution) Context() context.Context {
	return ex.cmd.ctx
}

// Now returns the time the current command started at.
func (ex *Execution) Now() time.Time {
	return ex.cmd.now
}

// Variable resolves name walking from this execution up to the root.
func (ex *Execution) Variable(name string) any {
	for e := ex.state; e != nil; e = ex.cmd.parent(e) {
		if v, ok := e.Variables[name]; ok {
			return v
		}
	}
	return nil
}

func (ex *Execution) HasVariable(name string) bool {
	for e := ex.state; e != nil; e = ex.cmd.parent(e) {
		if _, ok := e.Variables[name]; ok {
			return true
		}
	}
	return false
}

// Variables returns all visible variables, inner scopes shadow outer ones.
func (ex *Execution) Variables() map[string]any {
	chain := []*runtime.Execution{}
	for e := ex.state; e != nil; e = ex.cmd.parent(e) {
		chain = append(chain, e)
	}
	res := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(res, chain[i].Variables)
	}
	return res
}

func (ex *Execution) LocalVariables() map[string]any {
	return maps.Clone(ex.state.Variables)
}

// SetVariable updates the variable where it is defined, or creates it on the
// nearest enclosing scope execution.
func (ex *Execution) SetVariable(name string, value any) {
	ex.cmd.setVariable(ex.state, name, value)
}

func (ex *Execution) SetVariableLocal(name string, value any) {
	setLocal(ex.state, name, value)
}

func (c *commandContext) setVariable(state *runtime.Execution, name string, value any) {
	var scope *runtime.Execution
	for e := state; e != nil; e = c.parent(e) {
		if _, ok := e.Variables[name]; ok {
			setLocal(e, name, value)
			return
		}
		if scope == nil && e.Scope {
			scope = e
		}
	}
	if scope == nil {
		scope = state
	}
	setLocal(scope, name, value)
}

func setLocal(state *runtime.Execution, name string, value any) {
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	state.Variables[name] = value
}

func (ex *Execution) markProgressed() {
	if ex.eventName != "" {
		invariantViolation("listener for %s on execution %d must not move the execution", ex.eventName, ex.state.Key)
	}
	if ex.progressed {
		invariantViolation("execution %d already left activity %s", ex.state.Key, ex.state.ActivityId)
	}
	ex.progressed = true
}

// Leave takes all outgoing transitions of the current activity: one moves
// the execution on, several fork it, none end it.
func (ex *Execution) Leave() {
	act := ex.cmd.activity(ex.state)
	if act == nil {
		invariantViolation("execution %d is not positioned at an activity", ex.state.Key)
	}
	ex.TakeAll(act.OutgoingTransitions(), nil)
}

func (ex *Execution) Take(t *Transition) {
	ex.TakeAll([]*Transition{t}, nil)
}

// TakeAll leaves the current activity through the given transitions.
// joined are the executions synchronized at this activity, they must include
// ex itself; all of them except ex are removed from the tree.
func (ex *Execution) TakeAll(transitions []*Transition, joined []*Execution) {
	ex.markProgressed()
	c := ex.cmd
	state := ex.state
	joinedStates := make([]*runtime.Execution, 0, len(joined))
	for _, j := range joined {
		joinedStates = append(joinedStates, j.state)
	}
	c.perform(func() error {
		return c.leaveActivity(state, transitions, joinedStates)
	})
}

// End ends the execution at the current activity without taking transitions.
func (ex *Execution) End() {
	ex.TakeAll(nil, nil)
}

// ExecuteActivity moves the execution straight to activity without a
// transition. Composite behaviors use it to start their initial activity.
func (ex *Execution) ExecuteActivity(activity *Activity) {
	ex.markProgressed()
	c := ex.cmd
	state := ex.state
	c.perform(func() error {
		if !c.alive(state) {
			return nil
		}
		return c.executeActivity(state, activity)
	})
}

// FindInactiveConcurrentExecutions returns ex and all concurrent siblings
// waiting at activity.
func (ex *Execution) FindInactiveConcurrentExecutions(activity *Activity) []*Execution {
	res := []*Execution{ex}
	if !ex.state.Concurrent {
		return res
	}
	for _, sibling := range ex.cmd.liveChildren(ex.cmd.parent(ex.state)) {
		if sibling == ex.state || !sibling.Concurrent || sibling.Active {
			continue
		}
		if sibling.ActivityId != activity.id {
			continue
		}
		res = append(res, ex.cmd.handleFor(sibling))
	}
	return res
}

// ScheduleTimer registers a timer job for the execution at the current
// activity. The job executor later delivers SignalTimer.
func (ex *Execution) ScheduleTimer(dueAt time.Time) int64 {
	act := ex.cmd.activity(ex.state)
	if act == nil {
		invariantViolation("execution %d is not positioned at an activity", ex.state.Key)
	}
	return ex.cmd.createJob(ex.state, act, runtime.JobTypeTimer, dueAt).Key
}

// Compensate triggers the compensation handlers of completed activities in
// the flow scope of ex, only those of activityId when it is not empty.
// It returns the number of handlers started. The execution is notified with
// EventCompensationDone once all of them finished.
func (ex *Execution) Compensate(activityId string) int {
	return ex.cmd.compensate(ex.state, activityId)
}
