// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package behavior

import (
	"encoding/json"
	"fmt"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
)

const (
	TransitionMore = "more"
	TransitionDone = "done"
)

// While counts Variable from From up to To. While the counter is below To it
// increments it and takes the transition with id TransitionMore, then it
// takes TransitionDone.
type While struct {
	Variable string
	From     int64
	To       int64
}

func (w While) Execute(ex *pvm.Execution) error {
	act := ex.Activity()
	current := w.From
	if value := ex.Variable(w.Variable); value != nil {
		n, err := toInt64(value)
		if err != nil {
			return &pvm.ExpressionEvaluationError{
				Msg: fmt.Sprintf("loop variable %s of activity %s is not a number", w.Variable, act.Id()),
				Err: err,
			}
		}
		current = n
	}
	if current < w.To {
		ex.SetVariable(w.Variable, current+1)
		return take(ex, act, TransitionMore)
	}
	return take(ex, act, TransitionDone)
}

func take(ex *pvm.Execution, act *pvm.Activity, transitionId string) error {
	t := act.FindOutgoingTransition(transitionId)
	if t == nil {
		return &pvm.NoOutgoingTransitionError{ActivityId: act.Id(), TransitionId: transitionId}
	}
	ex.Take(t)
	return nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("unsupported type %T", value)
}
