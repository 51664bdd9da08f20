// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// StartBeforeActivity starts an additional token at activityId next to
// whatever already runs in the instance. Missing enclosing scopes are
// instantiated with their start listeners. variables are set local to the new
// token.
func (engine *Engine) StartBeforeActivity(ctx context.Context, processInstanceKey int64, activityId string, variables map[string]any) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, fmt.Sprintf("start-before:%s", activityId), processInstanceKey, func(c *commandContext) error {
		if c.instance.State != runtime.ProcessInstanceActive {
			return newEngineErrorf("process instance %d is %s", c.instance.Key, c.instance.State)
		}
		act := c.definition.FindActivity(activityId)
		if act == nil {
			return newEngineErrorf("activity %s does not exist in process definition %s", activityId, c.definition.id)
		}
		scope, err := c.scopeExecutionFor(act.parent)
		if err != nil {
			return err
		}
		token, err := c.newTokenIn(scope)
		if err != nil {
			return err
		}
		for name, value := range variables {
			setLocal(token, name, value)
		}
		return c.enterActivity(token, act)
	})
}

// scopeExecutionFor returns a live scope execution of scopeActivity, creating
// it and its missing ancestors when none exists. nil is the process level.
func (c *commandContext) scopeExecutionFor(scopeActivity *Activity) (*runtime.Execution, error) {
	if scopeActivity == nil {
		return c.instance.Root(), nil
	}
	var existing *runtime.Execution
	for _, ex := range c.instance.Executions {
		if !ex.Scope || ex.EventScope || ex.Ended || ex.ScopeActivityId != scopeActivity.id {
			continue
		}
		if existing == nil || ex.Sequence < existing.Sequence {
			existing = ex
		}
	}
	if existing != nil {
		return existing, nil
	}
	parentScope, err := c.scopeExecutionFor(scopeActivity.parent)
	if err != nil {
		return nil, err
	}
	token, err := c.newTokenIn(parentScope)
	if err != nil {
		return nil, err
	}
	c.position(token, scopeActivity)
	scope := c.createScope(token, scopeActivity)
	if err := c.fireActivityListeners(scope, scopeActivity, EventStart); err != nil {
		return nil, err
	}
	c.clearPosition(scope)
	return scope, nil
}

// newTokenIn returns an execution below scope that can be positioned at a new
// activity without disturbing executions already running in scope.
func (c *commandContext) newTokenIn(scope *runtime.Execution) (*runtime.Execution, error) {
	if c.atOwnScope(scope) {
		return nil, &IllegalExecutionStateError{ExecutionKey: scope.Key, Msg: "scope " + scope.ScopeActivityId + " is not running its content"}
	}
	children := c.nonEventChildren(scope)
	if len(children) == 0 && scope.ActivityId == "" {
		scope.Active = true
		return scope, nil
	}
	if len(children) == 0 || (len(children) == 1 && !children[0].Concurrent) {
		// scope is a token itself, move its position into a concurrent child
		moved := c.newExecution(scope)
		moved.Concurrent = true
		moved.ActivityId = scope.ActivityId
		moved.ActivityInstanceId = scope.ActivityInstanceId
		moved.Sequence = scope.Sequence
		moved.Active = scope.Active
		for _, child := range children {
			c.reparent(child, moved)
		}
		c.replaceExecution(scope, moved)
		c.clearPosition(scope)
	}
	token := c.newExecution(scope)
	token.Concurrent = true
	token.Active = true
	return token, nil
}
