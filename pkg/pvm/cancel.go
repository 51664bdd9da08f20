// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// cancelTree deactivates ex and everything below it, innermost first. Only end
// listeners fire, no transition is taken and no behavior is called.
// The executions stay in the arena, callers remove them.
func (c *commandContext) cancelTree(ex *runtime.Execution) error {
	covered := false
	for _, child := range c.children(ex) {
		if child.EventScope {
			c.removeSubtree(child)
			continue
		}
		if child.Scope && !child.Concurrent && child.ScopeActivityId != "" && child.ScopeActivityId == ex.ActivityId {
			covered = true
		}
		if err := c.cancelTree(child); err != nil {
			return err
		}
		c.removeSubtree(child)
	}
	c.deleteJobs(ex.Key)
	if ex.Ended {
		return nil
	}
	if ex.ActivityId != "" && !covered && ex.ActivityId != ex.ScopeActivityId {
		if err := c.fireActivityListeners(ex, c.definition.FindActivity(ex.ActivityId), EventEnd); err != nil {
			return err
		}
	}
	if ex.Scope && ex.ScopeActivityId != "" {
		if err := c.fireActivityListeners(ex, c.definition.FindActivity(ex.ScopeActivityId), EventEnd); err != nil {
			return err
		}
	}
	ex.Active = false
	return nil
}

func (c *commandContext) cancelProcessInstance() error {
	if c.instance.State != runtime.ProcessInstanceActive {
		return nil
	}
	root := c.instance.Root()
	if err := c.cancelTree(root); err != nil {
		return err
	}
	return c.endProcessInstance(root, runtime.ProcessInstanceTerminated)
}

// cancelExecution cancels the subtree of ex and lets the rest of the tree
// continue: the enclosing scope completes when nothing else runs in it.
func (c *commandContext) cancelExecution(ex *runtime.Execution) error {
	if ex.IsRoot() {
		return c.cancelProcessInstance()
	}
	if err := c.cancelTree(ex); err != nil {
		return err
	}
	return c.cancelUpward(ex)
}

func (c *commandContext) cancelUpward(ex *runtime.Execution) error {
	parent := c.parent(ex)
	if parent.EventScope {
		return c.compensationHandlerDone(ex, parent)
	}
	concurrent := ex.Concurrent
	c.removeSubtree(ex)
	if !concurrent {
		return c.cancelPosition(parent)
	}
	if len(c.liveChildren(parent)) > 0 {
		return nil
	}
	if len(c.nonEventChildren(parent)) > 0 {
		// only ended branches are left, the scope completes normally
		for _, child := range c.nonEventChildren(parent) {
			c.removeSubtree(child)
		}
		return c.completeScope(parent)
	}
	return c.cancelPosition(parent)
}

// cancelPosition cancels the scope of ex after the last execution running in it
// was cancelled. The end listeners of the position of ex already fired for
// the removed child.
func (c *commandContext) cancelPosition(ex *runtime.Execution) error {
	if ex.IsRoot() {
		return c.endProcessInstance(ex, runtime.ProcessInstanceTerminated)
	}
	if ex.Scope && ex.ScopeActivityId != "" {
		if err := c.fireActivityListeners(ex, c.definition.FindActivity(ex.ScopeActivityId), EventEnd); err != nil {
			return err
		}
	}
	c.deleteJobs(ex.Key)
	ex.Active = false
	return c.cancelUpward(ex)
}
