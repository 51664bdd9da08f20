// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"cmp"
	"maps"
	"slices"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// createEventScope retains a completed compensable activity below scope. The
// event scope keeps a snapshot of the variables the activity saw and the
// subscription pointing at its compensation handler.
func (c *commandContext) createEventScope(scope *runtime.Execution, act *Activity, variables map[string]any) *runtime.Execution {
	es := c.newExecution(scope)
	es.EventScope = true
	es.Scope = true
	es.ActivityId = act.id
	es.ActivityInstanceId = c.newActivityInstanceId(act)
	es.Variables = maps.Clone(variables)
	es.Subscriptions = []runtime.EventSubscription{{
		EventType:         runtime.EventTypeCompensate,
		ActivityId:        act.id,
		HandlerActivityId: act.compensationHandler.id,
	}}
	return es
}

// compensate starts the handlers of all retained event scopes in the flow
// scope of thrower, the most recently completed activity first.
func (c *commandContext) compensate(thrower *runtime.Execution, activityId string) int {
	scope := c.flowScopeExecution(thrower)
	var subscribed []*runtime.Execution
	for _, es := range c.eventScopeChildren(scope) {
		for _, sub := range es.Subscriptions {
			if sub.EventType != runtime.EventTypeCompensate {
				continue
			}
			if activityId != "" && sub.ActivityId != activityId {
				continue
			}
			subscribed = append(subscribed, es)
			break
		}
	}
	slices.SortFunc(subscribed, func(a, b *runtime.Execution) int {
		return cmp.Compare(b.Sequence, a.Sequence)
	})

	started := 0
	for _, es := range subscribed {
		var sub runtime.EventSubscription
		for _, s := range es.Subscriptions {
			if s.EventType == runtime.EventTypeCompensate {
				sub = s
				break
			}
		}
		handlerActivity := c.definition.FindActivity(sub.HandlerActivityId)
		if handlerActivity == nil {
			c.engine.logger.Warn("compensation handler missing in definition, dropping subscription",
				"activityId", sub.ActivityId, "handlerActivityId", sub.HandlerActivityId, "processInstanceKey", c.instance.Key)
			c.removeSubtree(es)
			continue
		}
		es.Subscriptions = nil
		handler := c.newExecution(es)
		handler.CompensationThrow = thrower.Key
		handler.Active = true
		c.perform(func() error {
			return c.enterActivity(handler, handlerActivity)
		})
		started++
	}
	return started
}

// compensationHandlerDone is reached when a compensation handler ended. The
// throwing execution is notified once its last handler finished.
func (c *commandContext) compensationHandlerDone(handler *runtime.Execution, eventScope *runtime.Execution) error {
	throwerKey := handler.CompensationThrow
	c.removeSubtree(eventScope)
	for _, ex := range c.instance.Executions {
		if ex.CompensationThrow == throwerKey {
			return nil
		}
	}
	thrower := c.exec(throwerKey)
	if thrower == nil || !c.alive(thrower) {
		return nil
	}
	act := c.activity(thrower)
	if act == nil {
		return &MigrationStateError{ExecutionKey: thrower.Key, ActivityId: thrower.ActivityId, DefinitionId: c.definition.id}
	}
	thrower.Active = true
	if passive, ok := act.behavior.(PassiveEventBehavior); ok {
		return c.invokeBehavior(thrower, act, func(h *Execution) error {
			return passive.OnEvent(h, EventCompensationDone, nil)
		})
	}
	c.handleFor(thrower).Leave()
	return nil
}
