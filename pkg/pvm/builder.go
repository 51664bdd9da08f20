// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"errors"
	"fmt"
)

type pendingTransition struct {
	id        string
	source    *Activity
	destId    string
	condition Condition
	listeners []ExecutionListener
	fault     bool
	faultCode string
}

// ProcessDefinitionBuilder assembles a ProcessDefinition. Activities are
// nested between CreateActivity and EndActivity, transitions may reference
// activities declared later.
//
//	pd, err := pvm.NewProcessDefinitionBuilder("order").
//		CreateActivity("start").Initial().Behavior(behavior.Automatic{}).Transition("review").EndActivity().
//		CreateActivity("review").Behavior(behavior.WaitState{}).Transition("end").EndActivity().
//		CreateActivity("end").Behavior(behavior.End{}).EndActivity().
//		Build()
type ProcessDefinitionBuilder struct {
	definition  *ProcessDefinition
	stack       []*Activity
	transitions []*pendingTransition
	initials    map[*Activity][]*Activity
	errs        error
}

func NewProcessDefinitionBuilder(id string) *ProcessDefinitionBuilder {
	return &ProcessDefinitionBuilder{
		definition: &ProcessDefinition{
			id:        id,
			name:      id,
			index:     map[string]*Activity{},
			listeners: map[string][]ExecutionListener{},
		},
		initials: map[*Activity][]*Activity{},
	}
}

func (b *ProcessDefinitionBuilder) fail(format string, a ...interface{}) {
	b.errs = errors.Join(b.errs, &DefinitionError{DefinitionId: b.definition.id, Msg: fmt.Sprintf(format, a...)})
}

func (b *ProcessDefinitionBuilder) current(method string) *Activity {
	if len(b.stack) == 0 {
		b.fail("%s called outside of an activity", method)
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *ProcessDefinitionBuilder) lastTransition(method string) *pendingTransition {
	if len(b.transitions) == 0 {
		b.fail("%s called before any transition", method)
		return nil
	}
	return b.transitions[len(b.transitions)-1]
}

func (b *ProcessDefinitionBuilder) Name(name string) *ProcessDefinitionBuilder {
	b.definition.name = name
	return b
}

func (b *ProcessDefinitionBuilder) ResourceName(resourceName string) *ProcessDefinitionBuilder {
	b.definition.resourceName = resourceName
	return b
}

// Source attaches the document the definition was built from. Only
// definitions with source can be rebuilt after the engine restarts.
func (b *ProcessDefinitionBuilder) Source(source []byte) *ProcessDefinitionBuilder {
	b.definition.source = source
	return b
}

// CreateActivity opens a new activity nested in the currently open one.
func (b *ProcessDefinitionBuilder) CreateActivity(id string) *ProcessDefinitionBuilder {
	if id == "" {
		b.fail("activity without id")
	}
	if _, exists := b.definition.index[id]; exists {
		b.fail("duplicate activity id %s", id)
	}
	act := &Activity{
		id:         id,
		definition: b.definition,
		listeners:  map[string][]ExecutionListener{},
		properties: map[string]any{},
	}
	if len(b.stack) > 0 {
		parent := b.stack[len(b.stack)-1]
		act.parent = parent
		parent.activities = append(parent.activities, act)
	} else {
		b.definition.activities = append(b.definition.activities, act)
	}
	b.definition.index[id] = act
	b.stack = append(b.stack, act)
	return b
}

func (b *ProcessDefinitionBuilder) EndActivity() *ProcessDefinitionBuilder {
	if len(b.stack) == 0 {
		b.fail("EndActivity without open activity")
		return b
	}
	b.stack = b.stack[:len(b.stack)-1]
	return b
}

// Initial marks the current activity as the one its container starts with.
func (b *ProcessDefinitionBuilder) Initial() *ProcessDefinitionBuilder {
	if act := b.current("Initial"); act != nil {
		b.initials[act.parent] = append(b.initials[act.parent], act)
	}
	return b
}

func (b *ProcessDefinitionBuilder) Behavior(behavior ActivityBehavior) *ProcessDefinitionBuilder {
	if act := b.current("Behavior"); act != nil {
		act.behavior = behavior
	}
	return b
}

func (b *ProcessDefinitionBuilder) Scope() *ProcessDefinitionBuilder {
	if act := b.current("Scope"); act != nil {
		act.scope = true
	}
	return b
}

func (b *ProcessDefinitionBuilder) Async() *ProcessDefinitionBuilder {
	if act := b.current("Async"); act != nil {
		act.async = true
	}
	return b
}

func (b *ProcessDefinitionBuilder) Property(name string, value any) *ProcessDefinitionBuilder {
	if act := b.current("Property"); act != nil {
		act.properties[name] = value
	}
	return b
}

// ForCompensation marks the current activity as a compensation handler. It is
// only ever entered through compensation.
func (b *ProcessDefinitionBuilder) ForCompensation() *ProcessDefinitionBuilder {
	if act := b.current("ForCompensation"); act != nil {
		act.forCompensation = true
	}
	return b
}

// CompensationHandler names the activity compensating the current one.
func (b *ProcessDefinitionBuilder) CompensationHandler(handlerId string) *ProcessDefinitionBuilder {
	if act := b.current("CompensationHandler"); act != nil {
		act.compensationHandlerId = handlerId
	}
	return b
}

// Transition adds an outgoing transition of the current activity. The id is
// optional, it defaults to "source->destination".
func (b *ProcessDefinitionBuilder) Transition(destinationId string, id ...string) *ProcessDefinitionBuilder {
	b.addTransition(destinationId, false, "", id)
	return b
}

// FaultTransition adds a transition taken when a fault with code is raised in
// the current activity or anything nested in it. An empty code catches all.
func (b *ProcessDefinitionBuilder) FaultTransition(code string, destinationId string, id ...string) *ProcessDefinitionBuilder {
	b.addTransition(destinationId, true, code, id)
	return b
}

func (b *ProcessDefinitionBuilder) addTransition(destinationId string, fault bool, code string, id []string) {
	act := b.current("Transition")
	if act == nil {
		return
	}
	t := &pendingTransition{
		source:    act,
		destId:    destinationId,
		fault:     fault,
		faultCode: code,
	}
	if len(id) > 0 && id[0] != "" {
		t.id = id[0]
	} else {
		t.id = act.id + "->" + destinationId
	}
	b.transitions = append(b.transitions, t)
}

// Condition guards the transition declared last.
func (b *ProcessDefinitionBuilder) Condition(condition Condition) *ProcessDefinitionBuilder {
	if t := b.lastTransition("Condition"); t != nil {
		t.condition = condition
	}
	return b
}

// TakeListener adds a listener to the transition declared last.
func (b *ProcessDefinitionBuilder) TakeListener(listener ExecutionListener) *ProcessDefinitionBuilder {
	if t := b.lastTransition("TakeListener"); t != nil {
		t.listeners = append(t.listeners, listener)
	}
	return b
}

func (b *ProcessDefinitionBuilder) StartListener(listener ExecutionListener) *ProcessDefinitionBuilder {
	if act := b.current("StartListener"); act != nil {
		act.listeners[EventStart] = append(act.listeners[EventStart], listener)
	}
	return b
}

func (b *ProcessDefinitionBuilder) EndListener(listener ExecutionListener) *ProcessDefinitionBuilder {
	if act := b.current("EndListener"); act != nil {
		act.listeners[EventEnd] = append(act.listeners[EventEnd], listener)
	}
	return b
}

// ExecutionListener adds a listener for EventStart or EventEnd to the current
// activity, or to the process itself outside of any activity.
func (b *ProcessDefinitionBuilder) ExecutionListener(event string, listener ExecutionListener) *ProcessDefinitionBuilder {
	if event != EventStart && event != EventEnd {
		b.fail("unsupported listener event %s", event)
		return b
	}
	if len(b.stack) == 0 {
		b.definition.listeners[event] = append(b.definition.listeners[event], listener)
		return b
	}
	act := b.stack[len(b.stack)-1]
	act.listeners[event] = append(act.listeners[event], listener)
	return b
}

// Build validates the graph and returns the definition.
func (b *ProcessDefinitionBuilder) Build() (*ProcessDefinition, error) {
	if len(b.stack) > 0 {
		b.fail("activity %s is not closed", b.stack[len(b.stack)-1].id)
	}
	for _, t := range b.transitions {
		b.resolveTransition(t)
	}
	b.resolveInitial(nil, b.definition.activities)
	for _, act := range b.definition.index {
		if act.behavior == nil {
			b.fail("activity %s has no behavior", act.id)
		}
		if len(act.activities) > 0 {
			act.scope = true
			b.resolveInitial(act, act.activities)
		}
		b.resolveCompensationHandler(act)
	}
	if b.errs != nil {
		return nil, b.errs
	}
	return b.definition, nil
}

func (b *ProcessDefinitionBuilder) resolveTransition(t *pendingTransition) {
	dest, ok := b.definition.index[t.destId]
	if !ok {
		b.fail("transition %s points to unknown activity %s", t.id, t.destId)
		return
	}
	if !t.source.parent.isAncestorOf(dest.parent) {
		b.fail("transition %s leaves the flow scope of %s", t.id, t.source.id)
		return
	}
	transition := &Transition{
		id:          t.id,
		source:      t.source,
		destination: dest,
		condition:   t.condition,
		listeners:   t.listeners,
		faultCode:   t.faultCode,
	}
	if t.fault {
		t.source.faults = append(t.source.faults, transition)
		return
	}
	if t.source.FindOutgoingTransition(t.id) != nil {
		b.fail("duplicate transition id %s on activity %s", t.id, t.source.id)
		return
	}
	t.source.outgoing = append(t.source.outgoing, transition)
	dest.incoming = append(dest.incoming, transition)
}

func (b *ProcessDefinitionBuilder) resolveInitial(container *Activity, activities []*Activity) {
	name := b.definition.id
	if container != nil {
		name = container.id
	}
	hasFlow := false
	for _, act := range activities {
		if !act.forCompensation {
			hasFlow = true
		}
	}
	initials := b.initials[container]
	switch {
	case len(initials) > 1:
		b.fail("%s declares %d initial activities", name, len(initials))
	case len(initials) == 0 && hasFlow:
		b.fail("%s declares no initial activity", name)
	case len(initials) == 1:
		if container == nil {
			b.definition.initial = initials[0]
		} else {
			container.initial = initials[0]
		}
	}
}

func (b *ProcessDefinitionBuilder) resolveCompensationHandler(act *Activity) {
	if act.forCompensation && (len(act.outgoing) > 0 || len(act.faults) > 0) {
		b.fail("compensation handler %s must not have outgoing transitions", act.id)
	}
	if act.compensationHandlerId == "" {
		return
	}
	handler, ok := b.definition.index[act.compensationHandlerId]
	if !ok {
		b.fail("compensation handler %s of activity %s does not exist", act.compensationHandlerId, act.id)
		return
	}
	if !handler.forCompensation {
		b.fail("activity %s is not marked for compensation", handler.id)
	}
	if handler.parent != act.parent {
		b.fail("compensation handler %s is not in the flow scope of activity %s", handler.id, act.id)
	}
	act.compensationHandler = handler
}
