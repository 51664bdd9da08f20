// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import "github.com/pbinitiative/zenpvm/pkg/pvm/runtime"

const (
	EventStart = "start"
	EventEnd   = "end"
	EventTake  = "take"
)

// ExecutionListener is called synchronously at activity start and end, when a
// transition is taken and when the process starts or ends. A returned error
// aborts the whole command.
type ExecutionListener interface {
	Notify(ex *Execution) error
}

type ExecutionListenerFunc func(ex *Execution) error

func (f ExecutionListenerFunc) Notify(ex *Execution) error {
	return f(ex)
}

func (c *commandContext) fireListeners(ex *Execution, event string, listeners []ExecutionListener) error {
	if len(listeners) == 0 {
		return nil
	}
	previous := ex.eventName
	ex.eventName = event
	defer func() { ex.eventName = previous }()
	for _, l := range listeners {
		if err := l.Notify(ex); err != nil {
			return err
		}
	}
	return nil
}

func (c *commandContext) fireActivityListeners(state *runtime.Execution, activity *Activity, event string) error {
	if activity == nil {
		return nil
	}
	ex := c.handleFor(state)
	ex.eventActivity = activity
	return c.fireListeners(ex, event, activity.Listeners(event))
}

func (c *commandContext) fireTakeListeners(state *runtime.Execution, t *Transition) error {
	ex := c.handleFor(state)
	ex.transition = t
	return c.fireListeners(ex, EventTake, t.Listeners())
}

func (c *commandContext) fireProcessListeners(state *runtime.Execution, event string) error {
	return c.fireListeners(c.handleFor(state), event, c.definition.Listeners(event))
}
