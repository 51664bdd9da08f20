// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package behavior

import "github.com/pbinitiative/zenpvm/pkg/pvm"

// CompensationThrow compensates completed activities of its flow scope, only
// ActivityId when set, and leaves once all handlers finished.
type CompensationThrow struct {
	ActivityId string
}

func (b CompensationThrow) Execute(ex *pvm.Execution) error {
	if ex.Compensate(b.ActivityId) == 0 {
		ex.Leave()
	}
	return nil
}

func (b CompensationThrow) OnEvent(ex *pvm.Execution, event string, data any) error {
	if event == pvm.EventCompensationDone {
		ex.Leave()
	}
	return nil
}
