// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package behavior contains the activity behaviors shipped with the engine.
// Process languages built on top of pkg/pvm plug in their own.
package behavior

import (
	"maps"
	"slices"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
)

// Automatic passes straight through the activity.
type Automatic struct{}

func (Automatic) Execute(ex *pvm.Execution) error {
	ex.Leave()
	return nil
}

// End ends the execution without taking any transition.
type End struct{}

func (End) Execute(ex *pvm.Execution) error {
	ex.End()
	return nil
}

// WaitState parks the execution until it is signalled. A map payload of the
// signal is merged into the process variables before leaving.
type WaitState struct{}

func (WaitState) Execute(ex *pvm.Execution) error {
	return nil
}

func (WaitState) Signal(ex *pvm.Execution, signalName string, data any) error {
	if vars, ok := data.(map[string]any); ok {
		for _, name := range sortedKeys(vars) {
			ex.SetVariable(name, vars[name])
		}
	}
	ex.Leave()
	return nil
}

// ThrowFault raises a business fault with Code.
type ThrowFault struct {
	Code    string
	Message string
}

func (b ThrowFault) Execute(ex *pvm.Execution) error {
	return &pvm.Fault{Code: b.Code, Message: b.Message}
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
