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
	"slices"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// operation is one step of the MAIN LOOP of a command
type operation func() error

// commandContext is the explicit handle every tree operation of one command
// works with. It owns a private copy of the process instance, nothing is
// visible outside until the engine saved it.
type commandContext struct {
	ctx        context.Context
	engine     *Engine
	definition *ProcessDefinition
	instance   *runtime.ProcessInstance
	now        time.Time
	queue      []operation
}

func newCommandContext(ctx context.Context, engine *Engine, definition *ProcessDefinition, instance *runtime.ProcessInstance) *commandContext {
	return &commandContext{
		ctx:        ctx,
		engine:     engine,
		definition: definition,
		instance:   instance,
		now:        engine.clock(),
		queue:      make([]operation, 0, 8),
	}
}

// perform appends an operation to the command queue.
func (c *commandContext) perform(op operation) {
	c.queue = append(c.queue, op)
}

// execute runs fn and then drains the operation queue. Operations are run in
// FIFO order so loops in the graph never grow the call stack.
// Invariant violations raised as panics are turned into the returned error.
func (c *commandContext) execute(fn func(c *commandContext) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if iv, ok := r.(*InvariantViolationError); ok {
				err = iv
				return
			}
			panic(r)
		}
	}()
	if err := fn(c); err != nil {
		return err
	}
	for len(c.queue) > 0 {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		op := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

func (c *commandContext) generateKey() int64 {
	return c.engine.generateKey()
}

func (c *commandContext) exec(key int64) *runtime.Execution {
	return c.instance.Executions[key]
}

// alive reports whether ex is still part of the tree and not ended.
// Queued operations use it to skip executions removed by an earlier step.
func (c *commandContext) alive(ex *runtime.Execution) bool {
	current, ok := c.instance.Executions[ex.Key]
	return ok && current == ex && !ex.Ended
}

func (c *commandContext) parent(ex *runtime.Execution) *runtime.Execution {
	if ex.ParentKey == 0 {
		return nil
	}
	return c.instance.Executions[ex.ParentKey]
}

func (c *commandContext) children(ex *runtime.Execution) []*runtime.Execution {
	return c.instance.Children(ex.Key)
}

// nonEventChildren returns the children taking part in the control flow.
func (c *commandContext) nonEventChildren(ex *runtime.Execution) []*runtime.Execution {
	return slices.DeleteFunc(c.children(ex), func(child *runtime.Execution) bool {
		return child.EventScope
	})
}

func (c *commandContext) liveChildren(ex *runtime.Execution) []*runtime.Execution {
	return slices.DeleteFunc(c.children(ex), func(child *runtime.Execution) bool {
		return child.EventScope || child.Ended
	})
}

func (c *commandContext) eventScopeChildren(ex *runtime.Execution) []*runtime.Execution {
	return slices.DeleteFunc(c.children(ex), func(child *runtime.Execution) bool {
		return !child.EventScope
	})
}

func (c *commandContext) activity(ex *runtime.Execution) *Activity {
	if ex.ActivityId == "" {
		return nil
	}
	return c.definition.FindActivity(ex.ActivityId)
}

// atOwnScope reports whether ex is the scope execution of the activity it is
// positioned at.
func (c *commandContext) atOwnScope(ex *runtime.Execution) bool {
	return ex.Scope && ex.ScopeActivityId != "" && ex.ActivityId == ex.ScopeActivityId
}

// flowScopeExecution returns the scope execution owning the activities ex can
// be positioned at.
func (c *commandContext) flowScopeExecution(ex *runtime.Execution) *runtime.Execution {
	if ex.Scope && !ex.Concurrent {
		return ex
	}
	parent := c.parent(ex)
	if parent == nil {
		invariantViolation("execution %d is neither a scope nor has a parent", ex.Key)
	}
	return parent
}

// flowScopeActivity returns the activity whose nested activities ex moves
// through, nil for the process level.
func (c *commandContext) flowScopeActivity(ex *runtime.Execution) *Activity {
	scope := c.flowScopeExecution(ex)
	if scope.ScopeActivityId == "" {
		return nil
	}
	act := c.definition.FindActivity(scope.ScopeActivityId)
	if act == nil {
		invariantViolation("scope execution %d references unknown activity %s", scope.Key, scope.ScopeActivityId)
	}
	return act
}

func (c *commandContext) newActivityInstanceId(act *Activity) string {
	return fmt.Sprintf("%s:%d", act.id, c.generateKey())
}

// position moves ex to act and opens a new activity instance.
func (c *commandContext) position(ex *runtime.Execution, act *Activity) {
	ex.ActivityId = act.id
	ex.ActivityInstanceId = c.newActivityInstanceId(act)
	ex.Sequence = c.instance.NextSequence()
}

func (c *commandContext) clearPosition(ex *runtime.Execution) {
	ex.ActivityId = ""
	ex.ActivityInstanceId = ""
	ex.Active = false
}

func (c *commandContext) newExecution(parent *runtime.Execution) *runtime.Execution {
	ex := &runtime.Execution{
		Key:       c.generateKey(),
		ParentKey: parent.Key,
		Sequence:  c.instance.NextSequence(),
	}
	c.instance.Executions[ex.Key] = ex
	parent.ChildKeys = append(parent.ChildKeys, ex.Key)
	return ex
}

func (c *commandContext) reparent(ex *runtime.Execution, newParent *runtime.Execution) {
	if old := c.parent(ex); old != nil {
		old.ChildKeys = slices.DeleteFunc(old.ChildKeys, func(k int64) bool { return k == ex.Key })
	}
	ex.ParentKey = newParent.Key
	newParent.ChildKeys = append(newParent.ChildKeys, ex.Key)
}

// removeSubtree drops ex, its descendants, their variables and their jobs.
func (c *commandContext) removeSubtree(ex *runtime.Execution) {
	if ex.IsRoot() {
		invariantViolation("root execution %d cannot be removed", ex.Key)
	}
	for _, child := range c.children(ex) {
		c.removeSubtree(child)
	}
	c.deleteJobs(ex.Key)
	if parent := c.parent(ex); parent != nil {
		parent.ChildKeys = slices.DeleteFunc(parent.ChildKeys, func(k int64) bool { return k == ex.Key })
	}
	delete(c.instance.Executions, ex.Key)
}

// replaceExecution moves everything that references old over to replacement.
func (c *commandContext) replaceExecution(old *runtime.Execution, replacement *runtime.Execution) {
	for i := range c.instance.Jobs {
		if c.instance.Jobs[i].ExecutionKey == old.Key {
			c.instance.Jobs[i].ExecutionKey = replacement.Key
		}
	}
	for _, ex := range c.instance.Executions {
		if ex.CompensationThrow == old.Key {
			ex.CompensationThrow = replacement.Key
		}
	}
}

// handleFor wraps state in a fresh Execution handle.
func (c *commandContext) handleFor(state *runtime.Execution) *Execution {
	return &Execution{
		cmd:   c,
		state: state,
	}
}
