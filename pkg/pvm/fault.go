// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import "github.com/pbinitiative/zenpvm/pkg/pvm/runtime"

// handleFault routes a fault raised at act to the closest activity, act itself
// or one of its enclosing activities, that declares a matching fault
// transition. Everything running inside the catching activity is cancelled.
func (c *commandContext) handleFault(ex *runtime.Execution, act *Activity, fault *Fault) error {
	for catching := act; catching != nil; catching = catching.parent {
		t := catching.FaultTransition(fault.Code)
		if t == nil {
			continue
		}
		c.engine.logger.Debug("fault caught",
			"code", fault.Code, "raisedAt", act.id, "caughtAt", catching.id, "processInstanceKey", c.instance.Key)

		holder := c.faultHolder(ex, act, catching)
		if holder == nil {
			invariantViolation("no execution holds activity %s catching fault %s", catching.id, fault.Code)
		}
		var token *runtime.Execution
		if holder.Scope && !holder.Concurrent && holder.ScopeActivityId == catching.id {
			if err := c.cancelTree(holder); err != nil {
				return err
			}
			token = c.parent(holder)
			c.removeSubtree(holder)
			token.Active = true
		} else {
			if err := c.fireActivityListeners(holder, catching, EventEnd); err != nil {
				return err
			}
			c.deleteJobs(holder.Key)
			token = holder
		}
		return c.takeTransition(token, t)
	}
	return &UnhandledFaultError{
		Fault:        fault,
		ActivityId:   act.id,
		ExecutionKey: ex.Key,
	}
}

// faultHolder finds the execution representing catching: ex itself for the
// raising activity, otherwise the scope execution of catching above ex.
func (c *commandContext) faultHolder(ex *runtime.Execution, act *Activity, catching *Activity) *runtime.Execution {
	if catching == act && !c.atOwnScope(ex) {
		return ex
	}
	for e := ex; e != nil; e = c.parent(e) {
		if e.Scope && !e.Concurrent && e.ScopeActivityId == catching.id {
			return e
		}
	}
	return nil
}
