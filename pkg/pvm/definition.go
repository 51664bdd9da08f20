// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

// ProcessDefinition is the immutable graph shared by all instances of one
// deployed version. It is created by ProcessDefinitionBuilder and must not be
// changed after Build.
type ProcessDefinition struct {
	id           string
	name         string
	key          int64
	version      int32
	resourceName string
	source       []byte

	initial    *Activity
	activities []*Activity
	index      map[string]*Activity
	listeners  map[string][]ExecutionListener
}

func (d *ProcessDefinition) Id() string {
	return d.id
}

func (d *ProcessDefinition) Name() string {
	return d.name
}

// Key is assigned on deployment, zero before.
func (d *ProcessDefinition) Key() int64 {
	return d.key
}

func (d *ProcessDefinition) Version() int32 {
	return d.version
}

func (d *ProcessDefinition) ResourceName() string {
	return d.resourceName
}

// Source returns the document the definition was parsed from, if any.
func (d *ProcessDefinition) Source() []byte {
	return d.source
}

func (d *ProcessDefinition) InitialActivity() *Activity {
	return d.initial
}

// Activities returns the top level activities in declaration order.
func (d *ProcessDefinition) Activities() []*Activity {
	return d.activities
}

// FindActivity looks up an activity on any nesting level.
func (d *ProcessDefinition) FindActivity(id string) *Activity {
	return d.index[id]
}

// Listeners returns process level listeners for EventStart or EventEnd.
func (d *ProcessDefinition) Listeners(event string) []ExecutionListener {
	return d.listeners[event]
}

func (d *ProcessDefinition) deployed() bool {
	return d.key != 0
}

type Activity struct {
	id              string
	scope           bool
	async           bool
	forCompensation bool
	behavior        ActivityBehavior
	parent          *Activity
	definition      *ProcessDefinition

	initial    *Activity
	activities []*Activity
	outgoing   []*Transition
	incoming   []*Transition
	faults     []*Transition
	listeners  map[string][]ExecutionListener
	properties map[string]any

	compensationHandlerId string
	compensationHandler   *Activity
}

func (a *Activity) Id() string {
	return a.id
}

// IsScope reports whether entering the activity creates a nested scope execution.
func (a *Activity) IsScope() bool {
	return a.scope
}

// IsAsync reports whether arriving at the activity parks the execution behind
// a continuation job instead of executing it.
func (a *Activity) IsAsync() bool {
	return a.async
}

func (a *Activity) Behavior() ActivityBehavior {
	return a.behavior
}

// Parent returns the enclosing activity, nil for top level activities.
func (a *Activity) Parent() *Activity {
	return a.parent
}

func (a *Activity) ProcessDefinition() *ProcessDefinition {
	return a.definition
}

func (a *Activity) InitialActivity() *Activity {
	return a.initial
}

func (a *Activity) Activities() []*Activity {
	return a.activities
}

func (a *Activity) OutgoingTransitions() []*Transition {
	return a.outgoing
}

func (a *Activity) IncomingTransitions() []*Transition {
	return a.incoming
}

func (a *Activity) FindOutgoingTransition(id string) *Transition {
	for _, t := range a.outgoing {
		if t.id == id {
			return t
		}
	}
	return nil
}

// FaultTransition returns the transition handling the fault code, a fault
// transition declared with an empty code catches every fault.
func (a *Activity) FaultTransition(code string) *Transition {
	var catchAll *Transition
	for _, t := range a.faults {
		if t.faultCode == code {
			return t
		}
		if t.faultCode == "" && catchAll == nil {
			catchAll = t
		}
	}
	return catchAll
}

func (a *Activity) Listeners(event string) []ExecutionListener {
	return a.listeners[event]
}

func (a *Activity) Property(name string) (any, bool) {
	v, ok := a.properties[name]
	return v, ok
}

func (a *Activity) PropertyString(name string) string {
	v, ok := a.properties[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// CompensationHandler returns the activity compensating this one, if any.
func (a *Activity) CompensationHandler() *Activity {
	return a.compensationHandler
}

func (a *Activity) IsCompensationHandler() bool {
	return a.forCompensation
}

// isAncestorOf reports whether a encloses other. A nil receiver is the process
// itself and encloses everything.
func (a *Activity) isAncestorOf(other *Activity) bool {
	if a == nil {
		return true
	}
	for p := other; p != nil; p = p.parent {
		if p == a {
			return true
		}
	}
	return false
}

func (a *Activity) String() string {
	return "Activity(" + a.id + ")"
}

type Transition struct {
	id          string
	source      *Activity
	destination *Activity
	condition   Condition
	listeners   []ExecutionListener
	faultCode   string
}

func (t *Transition) Id() string {
	return t.id
}

func (t *Transition) Source() *Activity {
	return t.source
}

func (t *Transition) Destination() *Activity {
	return t.destination
}

// Condition returns the guard of the transition, nil when unconditional.
func (t *Transition) Condition() Condition {
	return t.condition
}

func (t *Transition) Listeners() []ExecutionListener {
	return t.listeners
}

func (t *Transition) String() string {
	return "(" + t.source.id + ")--" + t.id + "-->(" + t.destination.id + ")"
}

// Condition guards a transition.
type Condition interface {
	Evaluate(ex *Execution) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ex *Execution) (bool, error)

func (f ConditionFunc) Evaluate(ex *Execution) (bool, error) {
	return f(ex)
}
