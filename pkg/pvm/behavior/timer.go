// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package behavior

import (
	"fmt"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/robfig/cron/v3"
	"github.com/senseyeio/duration"
)

// Timer waits until a timer job fires. Exactly one of Duration (ISO 8601,
// for example PT5M) and Cron (standard five field expression) is set.
type Timer struct {
	Duration string
	Cron     string
}

// DueAt computes when the timer fires when it is started at now.
func (t Timer) DueAt(now time.Time) (time.Time, error) {
	switch {
	case t.Duration != "":
		d, err := duration.ParseISO8601(t.Duration)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timer duration %s: %w", t.Duration, err)
		}
		return d.Shift(now), nil
	case t.Cron != "":
		schedule, err := cron.ParseStandard(t.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse timer cron expression %s: %w", t.Cron, err)
		}
		return schedule.Next(now), nil
	}
	return time.Time{}, fmt.Errorf("timer has neither duration nor cron expression")
}

func (t Timer) Execute(ex *pvm.Execution) error {
	dueAt, err := t.DueAt(ex.Now())
	if err != nil {
		return &pvm.ExpressionEvaluationError{Msg: fmt.Sprintf("invalid timer on activity %s", ex.Activity().Id()), Err: err}
	}
	ex.ScheduleTimer(dueAt)
	return nil
}

func (t Timer) Signal(ex *pvm.Execution, signalName string, data any) error {
	if signalName != pvm.SignalTimer {
		return &pvm.IllegalExecutionStateError{
			ExecutionKey: ex.Key(),
			Msg:          fmt.Sprintf("timer activity %s does not accept signal %s", ex.Activity().Id(), signalName),
		}
	}
	ex.Leave()
	return nil
}
