// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import "github.com/pbinitiative/zenpvm/pkg/pvm/runtime"

// signal resumes an execution parked in a wait state.
func (c *commandContext) signal(ex *runtime.Execution, signalName string, data any) error {
	if ex.Ended {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "execution already ended"}
	}
	if ex.Active {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "execution is not waiting"}
	}
	if ex.ActivityId == "" {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "execution is not positioned at an activity"}
	}
	act := c.activity(ex)
	if act == nil {
		return &MigrationStateError{ExecutionKey: ex.Key, ActivityId: ex.ActivityId, DefinitionId: c.definition.id}
	}
	if len(c.nonEventChildren(ex)) > 0 {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "execution has child executions"}
	}
	if c.pendingContinuation(ex) {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "execution waits for an async continuation"}
	}
	signallable, ok := act.behavior.(SignallableActivityBehavior)
	if !ok {
		return &IllegalExecutionStateError{ExecutionKey: ex.Key, Msg: "activity " + act.id + " does not accept signals"}
	}
	ex.Active = true
	c.engine.metrics.SignalsDelivered.Add(c.ctx, 1)
	return c.invokeBehavior(ex, act, func(h *Execution) error {
		return signallable.Signal(h, signalName, data)
	})
}
