// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"errors"

	"github.com/pbinitiative/zenpvm/pkg/ptr"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// executeActivity moves ex to target. Scopes between the current flow scope
// of ex and target are created on the way down.
func (c *commandContext) executeActivity(ex *runtime.Execution, target *Activity) error {
	flowScope := c.flowScopeActivity(ex)
	if !flowScope.isAncestorOf(target.parent) {
		invariantViolation("activity %s is not reachable from the flow scope of execution %d", target.id, ex.Key)
	}
	var chain []*Activity
	for a := target.parent; a != flowScope; a = a.parent {
		chain = append([]*Activity{a}, chain...)
	}
	token := ex
	for _, scopeActivity := range chain {
		c.position(token, scopeActivity)
		token.Active = true
		token = c.createScope(token, scopeActivity)
		if err := c.fireActivityListeners(token, scopeActivity, EventStart); err != nil {
			return err
		}
	}
	return c.enterActivity(token, target)
}

// enterActivity positions ex at act, creates the scope execution for scope
// activities and queues the start of the activity.
func (c *commandContext) enterActivity(ex *runtime.Execution, act *Activity) error {
	c.position(ex, act)
	ex.Active = true
	if act.scope {
		ex = c.createScope(ex, act)
	}
	c.perform(func() error {
		return c.startActivity(ex, act, false)
	})
	return nil
}

// startActivity fires start listeners and executes the behavior, or parks the
// execution behind a continuation job for async activities.
func (c *commandContext) startActivity(ex *runtime.Execution, act *Activity, resumed bool) error {
	if !c.alive(ex) || ex.ActivityId != act.id {
		return nil
	}
	if act.async && !resumed {
		c.createJob(ex, act, runtime.JobTypeAsyncContinuation, c.now)
		ex.Active = false
		return nil
	}
	ex.Active = true
	if err := c.fireActivityListeners(ex, act, EventStart); err != nil {
		return err
	}
	if !c.alive(ex) {
		return nil
	}
	return c.invokeBehavior(ex, act, func(h *Execution) error {
		return act.behavior.Execute(h)
	})
}

// invokeBehavior calls into a behavior. A behavior that did not move the
// execution on leaves it waiting, a returned *Fault is routed to its handler.
func (c *commandContext) invokeBehavior(ex *runtime.Execution, act *Activity, call func(h *Execution) error) error {
	h := c.handleFor(ex)
	err := call(h)
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			return c.handleFault(ex, act, fault)
		}
		return err
	}
	if !h.progressed && c.alive(ex) {
		ex.Active = false
	}
	return nil
}

// leaveActivity ends the current activity of ex and takes transitions.
// joined executions other than ex are removed; when no concurrent sibling is
// left the scope execution continues in place of ex.
func (c *commandContext) leaveActivity(ex *runtime.Execution, transitions []*Transition, joined []*runtime.Execution) error {
	if !c.alive(ex) {
		return nil
	}
	act := c.activity(ex)
	if act == nil {
		return &MigrationStateError{ExecutionKey: ex.Key, ActivityId: ex.ActivityId, DefinitionId: c.definition.id}
	}
	token, err := c.exitActivity(ex, act)
	if err != nil {
		return err
	}
	if len(joined) > 0 {
		token = c.join(token, act, joined)
	}

	switch len(transitions) {
	case 0:
		return c.endExecution(token)
	case 1:
		return c.takeTransition(token, transitions[0])
	}
	return c.fork(token, act, transitions)
}

func (c *commandContext) join(token *runtime.Execution, act *Activity, joined []*runtime.Execution) *runtime.Execution {
	for _, j := range joined {
		if j == token || !c.alive(j) {
			continue
		}
		c.removeSubtree(j)
	}
	if !token.Concurrent {
		return token
	}
	scope := c.parent(token)
	for _, sibling := range c.nonEventChildren(scope) {
		if sibling != token && !sibling.Ended {
			return token
		}
	}
	// all concurrent branches arrived, collapse them into the scope execution
	for _, sibling := range c.nonEventChildren(scope) {
		if sibling != token {
			c.removeSubtree(sibling)
		}
	}
	c.replaceExecution(token, scope)
	scope.ActivityId = act.id
	scope.ActivityInstanceId = token.ActivityInstanceId
	scope.Sequence = token.Sequence
	scope.Active = true
	c.removeSubtree(token)
	return scope
}

// fork replaces token by one concurrent execution per transition.
func (c *commandContext) fork(token *runtime.Execution, act *Activity, transitions []*Transition) error {
	scope := token
	if token.Concurrent {
		scope = c.parent(token)
		c.removeSubtree(token)
	} else {
		c.clearPosition(token)
	}
	branches := make([]*runtime.Execution, 0, len(transitions))
	for range transitions {
		branch := c.newExecution(scope)
		branch.Concurrent = true
		branch.Active = true
		branch.ActivityId = act.id
		branches = append(branches, branch)
	}
	c.engine.metrics.ExecutionsForked.Add(c.ctx, int64(len(branches)))
	for i, t := range transitions {
		if err := c.takeTransition(branches[i], t); err != nil {
			return err
		}
	}
	return nil
}

func (c *commandContext) takeTransition(token *runtime.Execution, t *Transition) error {
	if err := c.fireTakeListeners(token, t); err != nil {
		return err
	}
	if !c.alive(token) {
		return nil
	}
	return c.executeActivity(token, t.destination)
}

// exitActivity fires the end listeners of act, registers compensation and
// destroys the scope of act. It returns the execution that continues.
func (c *commandContext) exitActivity(ex *runtime.Execution, act *Activity) (*runtime.Execution, error) {
	if err := c.fireActivityListeners(ex, act, EventEnd); err != nil {
		return nil, err
	}
	c.deleteJobs(ex.Key)
	if !c.atOwnScope(ex) {
		if act.compensationHandler != nil {
			var snapshot map[string]any
			if ex.Concurrent {
				snapshot = ex.Variables
			}
			c.createEventScope(c.flowScopeExecution(ex), act, snapshot)
		}
		return ex, nil
	}

	parent := c.parent(ex)
	retained := c.eventScopeChildren(ex)
	if act.compensationHandler != nil {
		eventScope := c.createEventScope(c.flowScopeExecution(parent), act, ex.Variables)
		for _, es := range retained {
			c.reparent(es, eventScope)
		}
	}
	c.destroyScope(ex)
	parent.Active = true
	return parent, nil
}

// endExecution ends a token that has no transition to take.
func (c *commandContext) endExecution(token *runtime.Execution) error {
	parent := c.parent(token)
	if parent != nil && parent.EventScope {
		return c.compensationHandlerDone(token, parent)
	}
	if token.Concurrent {
		token.Ended = true
		token.Active = false
		if len(c.liveChildren(parent)) > 0 {
			return nil
		}
		for _, child := range c.nonEventChildren(parent) {
			c.removeSubtree(child)
		}
		return c.completeScope(parent)
	}
	if !token.Scope {
		invariantViolation("non concurrent execution %d is not a scope", token.Key)
	}
	return c.completeScope(token)
}

// completeScope is called when nothing runs inside a scope execution any more.
func (c *commandContext) completeScope(scope *runtime.Execution) error {
	if len(c.liveChildren(scope)) > 0 {
		invariantViolation("scope execution %d completed with active children", scope.Key)
	}
	if scope.IsRoot() {
		return c.endProcessInstance(scope, runtime.ProcessInstanceCompleted)
	}
	act := c.definition.FindActivity(scope.ScopeActivityId)
	if act == nil {
		return &MigrationStateError{ExecutionKey: scope.Key, ActivityId: scope.ScopeActivityId, DefinitionId: c.definition.id}
	}
	scope.ActivityId = act.id
	scope.ActivityInstanceId = scope.ScopeInstanceId
	scope.Active = true
	if composite, ok := act.behavior.(CompositeActivityBehavior); ok {
		return c.invokeBehavior(scope, act, func(h *Execution) error {
			return composite.Complete(h)
		})
	}
	c.handleFor(scope).Leave()
	return nil
}

func (c *commandContext) endProcessInstance(root *runtime.Execution, state runtime.ProcessInstanceState) error {
	if err := c.fireProcessListeners(root, EventEnd); err != nil {
		return err
	}
	for _, child := range c.children(root) {
		c.removeSubtree(child)
	}
	c.clearPosition(root)
	root.Ended = true
	c.instance.State = state
	c.instance.EndedAt = ptr.To(c.now)
	for i := range c.instance.Jobs {
		c.resolveIncidentsOfJob(c.instance.Jobs[i].Key)
	}
	c.instance.Jobs = nil
	c.engine.metrics.ProcessesEnded.Add(c.ctx, 1)
	c.engine.metrics.ProcessesRunning.Add(c.ctx, -1)
	return nil
}

// createScope creates the scope execution of act below parent.
func (c *commandContext) createScope(parent *runtime.Execution, act *Activity) *runtime.Execution {
	child := c.newExecution(parent)
	child.Scope = true
	child.ScopeActivityId = act.id
	child.ScopeInstanceId = parent.ActivityInstanceId
	child.ActivityId = act.id
	child.ActivityInstanceId = parent.ActivityInstanceId
	child.Active = true
	parent.Active = false
	return child
}

// destroyScope removes a scope execution with everything retained below it.
// Destroying a scope that still has running children is a programming error.
func (c *commandContext) destroyScope(scope *runtime.Execution) {
	if !scope.Scope {
		invariantViolation("execution %d is not a scope", scope.Key)
	}
	if len(c.liveChildren(scope)) > 0 {
		invariantViolation("scope execution %d destroyed with active children", scope.Key)
	}
	c.removeSubtree(scope)
}
