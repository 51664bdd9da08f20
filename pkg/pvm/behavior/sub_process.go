// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package behavior

import "github.com/pbinitiative/zenpvm/pkg/pvm"

// EmbeddedSubProcess runs its nested activities in its own scope and leaves
// once nothing runs inside any more.
type EmbeddedSubProcess struct{}

func (EmbeddedSubProcess) Execute(ex *pvm.Execution) error {
	initial := ex.Activity().InitialActivity()
	if initial == nil {
		ex.Leave()
		return nil
	}
	ex.ExecuteActivity(initial)
	return nil
}

func (EmbeddedSubProcess) Complete(scopeExecution *pvm.Execution) error {
	scopeExecution.Leave()
	return nil
}
