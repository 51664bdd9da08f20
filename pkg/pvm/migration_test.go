// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm_test

import (
	"context"
	"testing"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/behavior"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reviewProcess(cp *CallPath, reviewId string) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("review")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition(reviewId).EndActivity()
	activity(b, cp, reviewId, behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func Test_migrate_process_instance_with_instructions(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, reviewProcess(&cp, "review"))
	target := deploy(t, engine, reviewProcess(&cp, "approve"))
	instance, err := engine.StartProcessInstance(context.Background(), source.Key(), nil)
	require.NoError(t, err)

	// when
	instance, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
		Instructions:        map[string]string{"review": "approve"},
	}, instance.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, target.Key(), instance.DefinitionKey)
	assert.Equal(t, "approve", instance.Root().ActivityId)

	// when
	cp.CallPath = ""
	instance, err = engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:approve,start:end,end:end", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
}

func Test_migrate_rejects_unmapped_activities(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, reviewProcess(&cp, "review"))
	target := deploy(t, engine, reviewProcess(&cp, "approve"))
	instance, err := engine.StartProcessInstance(context.Background(), source.Key(), nil)
	require.NoError(t, err)

	// when
	_, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key)

	// then
	var validationErr *pvm.MigrationValidationError
	require.ErrorAs(t, err, &validationErr)
	var stateErr *pvm.MigrationStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "review", stateErr.ActivityId)
	stored, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, source.Key(), stored.DefinitionKey)
}

func Test_signal_after_unvalidated_migration_fails_with_state_error(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, reviewProcess(&cp, "review"))
	target := deploy(t, engine, reviewProcess(&cp, "approve"))
	instance, err := engine.StartProcessInstance(context.Background(), source.Key(), nil)
	require.NoError(t, err)

	// given
	instance, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
		SkipValidation:      true,
	}, instance.Key)
	require.NoError(t, err)

	// when
	_, err = engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	var stateErr *pvm.MigrationStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "review", stateErr.ActivityId)
	assert.Equal(t, instance.Key, stateErr.ExecutionKey)
}

func Test_migrate_rejects_plan_for_other_source(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, reviewProcess(&cp, "review"))
	target := deploy(t, engine, reviewProcess(&cp, "review"))
	instance, err := engine.StartProcessInstance(context.Background(), source.Key(), nil)
	require.NoError(t, err)

	// when
	_, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: target.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key)

	// then
	var engineErr *pvm.EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func Test_migrate_with_custom_validator(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, reviewProcess(&cp, "review"))
	target := deploy(t, engine, reviewProcess(&cp, "review"))
	instance, err := engine.StartProcessInstance(context.Background(), source.Key(), nil)
	require.NoError(t, err)
	seen := 0
	validator := pvm.MigrationValidatorFunc(func(mc *pvm.MigrationContext) error {
		seen++
		assert.Equal(t, "review", mc.TargetActivityId("review"))
		assert.Equal(t, target.Key(), mc.Target.Key())
		return nil
	})

	// when
	instance, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key, validator)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.Equal(t, target.Key(), instance.DefinitionKey)
}

func compensableScopeProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("booking")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("sub").EndActivity()
	activity(b, cp, "sub", behavior.EmbeddedSubProcess{}).CompensationHandler("undo-sub").Transition("after")
	activity(b, cp, "inner-start", behavior.Automatic{}).Initial().Transition("inner-wait").EndActivity()
	activity(b, cp, "inner-wait", behavior.WaitState{}).Transition("inner-end").EndActivity()
	activity(b, cp, "inner-end", behavior.End{}).EndActivity()
	b.EndActivity()
	activity(b, cp, "undo-sub", behavior.Automatic{}).ForCompensation().EndActivity()
	activity(b, cp, "after", behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func withoutSubProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("booking")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("after").EndActivity()
	activity(b, cp, "after", behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func eventScopes(instance *runtime.ProcessInstance) []*runtime.Execution {
	var res []*runtime.Execution
	for _, ex := range instance.Executions {
		if ex.EventScope {
			res = append(res, ex)
		}
	}
	return res
}

// startCompletedSubProcess runs the compensable sub-process to completion
// with a local variable set on its scope execution.
func startCompletedSubProcess(t *testing.T, engine *pvm.Engine, definition *pvm.ProcessDefinition) *runtime.ProcessInstance {
	t.Helper()
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	scope := findExecution(t, instance, "inner-wait")
	instance, err = engine.SetVariables(context.Background(), instance.Key, scope.Key, map[string]any{"bookingRef": "B-17"}, true)
	require.NoError(t, err)
	instance, err = engine.Signal(context.Background(), instance.Key, scope.Key, "done", nil)
	require.NoError(t, err)
	require.Len(t, eventScopes(instance), 1)
	return instance
}

func Test_migrate_removes_event_scope_of_missing_activity(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, compensableScopeProcess(&cp))
	target := deploy(t, engine, withoutSubProcess(&cp))

	// given
	instance := startCompletedSubProcess(t, engine, source)

	// when
	instance, err := engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, target.Key(), instance.DefinitionKey)
	assert.Empty(t, eventScopes(instance))
	assert.Equal(t, "after", instance.Root().ActivityId)

	// when
	instance, err = engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
}

func Test_migrate_deletes_variables_and_subscriptions_of_removed_event_scope(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, compensableScopeProcess(&cp))
	target := deploy(t, engine, withoutSubProcess(&cp))

	// given
	instance := startCompletedSubProcess(t, engine, source)
	eventScope := eventScopes(instance)[0]
	assert.Equal(t, map[string]any{"bookingRef": "B-17"}, eventScope.Variables)
	require.Len(t, eventScope.Subscriptions, 1)
	assert.Equal(t, runtime.EventTypeCompensate, eventScope.Subscriptions[0].EventType)
	before, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)

	// when
	_, err = engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key)
	require.NoError(t, err)

	// then
	stored, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, before.Revision+1, stored.Revision)
	assert.NotContains(t, stored.Executions, eventScope.Key)
	assert.NotContains(t, stored.Root().ChildKeys, eventScope.Key)
	for _, ex := range stored.Executions {
		assert.NotContains(t, ex.Variables, "bookingRef")
		assert.Empty(t, ex.Subscriptions)
	}
	for _, job := range stored.Jobs {
		assert.NotEqual(t, eventScope.Key, job.ExecutionKey)
	}
}

func Test_migrate_keeps_event_scope_of_mapped_activity(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	source := deploy(t, engine, compensableScopeProcess(&cp))
	target := deploy(t, engine, compensableScopeProcess(&cp))

	// given
	instance := startCompletedSubProcess(t, engine, source)

	// when
	instance, err := engine.MigrateProcessInstance(context.Background(), pvm.MigrationPlan{
		SourceDefinitionKey: source.Key(),
		TargetDefinitionKey: target.Key(),
	}, instance.Key)

	// then
	require.NoError(t, err)
	scopes := eventScopes(instance)
	require.Len(t, scopes, 1)
	assert.Equal(t, "sub", scopes[0].ActivityId)
	assert.Equal(t, map[string]any{"bookingRef": "B-17"}, scopes[0].Variables)
}
