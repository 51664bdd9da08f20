// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package behavior

import (
	"fmt"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
)

// PropertyDefault names the transition an exclusive gateway takes when no
// condition matched.
const PropertyDefault = "default"

// ParallelGateway forks to all outgoing transitions. With several incoming
// transitions it first waits until one concurrent execution arrived per
// incoming transition.
type ParallelGateway struct{}

func (ParallelGateway) Execute(ex *pvm.Execution) error {
	act := ex.Activity()
	incoming := len(act.IncomingTransitions())
	if incoming <= 1 {
		ex.Leave()
		return nil
	}
	joined := ex.FindInactiveConcurrentExecutions(act)
	if len(joined) < incoming {
		// wait for the remaining branches
		return nil
	}
	ex.TakeAll(act.OutgoingTransitions(), joined[:incoming])
	return nil
}

// ExclusiveGateway takes the first outgoing transition whose condition holds,
// in declaration order. A transition without condition always holds.
type ExclusiveGateway struct{}

func (ExclusiveGateway) Execute(ex *pvm.Execution) error {
	act := ex.Activity()
	defaultId := act.PropertyString(PropertyDefault)
	var defaultTransition *pvm.Transition
	for _, t := range act.OutgoingTransitions() {
		if defaultId != "" && t.Id() == defaultId {
			defaultTransition = t
			continue
		}
		ok, err := evaluate(ex, t)
		if err != nil {
			return err
		}
		if ok {
			ex.Take(t)
			return nil
		}
	}
	if defaultTransition != nil {
		ex.Take(defaultTransition)
		return nil
	}
	return &pvm.ExpressionEvaluationError{
		Msg: fmt.Sprintf("no outgoing transition of exclusive gateway %s matched and no default transition is defined", act.Id()),
	}
}

// InclusiveGateway forks to every outgoing transition whose condition holds.
// It does not synchronize incoming executions.
type InclusiveGateway struct{}

func (InclusiveGateway) Execute(ex *pvm.Execution) error {
	act := ex.Activity()
	defaultId := act.PropertyString(PropertyDefault)
	var defaultTransition *pvm.Transition
	var taken []*pvm.Transition
	for _, t := range act.OutgoingTransitions() {
		if defaultId != "" && t.Id() == defaultId {
			defaultTransition = t
			continue
		}
		ok, err := evaluate(ex, t)
		if err != nil {
			return err
		}
		if ok {
			taken = append(taken, t)
		}
	}
	if len(taken) == 0 && defaultTransition != nil {
		taken = append(taken, defaultTransition)
	}
	if len(taken) == 0 {
		return &pvm.ExpressionEvaluationError{
			Msg: fmt.Sprintf("no outgoing transition of inclusive gateway %s matched and no default transition is defined", act.Id()),
		}
	}
	ex.TakeAll(taken, nil)
	return nil
}

func evaluate(ex *pvm.Execution, t *pvm.Transition) (bool, error) {
	if t.Condition() == nil {
		return true, nil
	}
	ok, err := t.Condition().Evaluate(ex)
	if err != nil {
		return false, &pvm.ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate condition of transition %s", t.Id()),
			Err: err,
		}
	}
	return ok, nil
}
