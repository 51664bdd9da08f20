// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/behavior"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"github.com/pbinitiative/zenpvm/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// CallPath records listener notifications as "event:id" joined by ",".
type CallPath struct {
	CallPath string
}

func (cp *CallPath) append(entry string) {
	if len(cp.CallPath) > 0 {
		cp.CallPath += ","
	}
	cp.CallPath += entry
}

// Listener records the event and the activity it was fired for. Take events
// record the transition id.
func (cp *CallPath) Listener() pvm.ExecutionListener {
	return pvm.ExecutionListenerFunc(func(ex *pvm.Execution) error {
		if ex.EventName() == pvm.EventTake {
			cp.append(ex.EventName() + ":" + ex.Transition().Id())
			return nil
		}
		cp.append(ex.EventName() + ":" + ex.Activity().Id())
		return nil
	})
}

// Process records process level events under the name "process".
func (cp *CallPath) Process() pvm.ExecutionListener {
	return pvm.ExecutionListenerFunc(func(ex *pvm.Execution) error {
		cp.append("process:" + ex.EventName())
		return nil
	})
}

func (cp *CallPath) count(entry string) int {
	n := 0
	for _, e := range strings.Split(cp.CallPath, ",") {
		if e == entry {
			n++
		}
	}
	return n
}

func newTestEngine(options ...pvm.EngineOption) (*pvm.Engine, *inmemory.Storage) {
	store := inmemory.NewStorage()
	options = append([]pvm.EngineOption{
		pvm.EngineWithStorage(store),
		pvm.EngineWithLogger(hclog.NewNullLogger()),
		pvm.EngineWithClock(func() time.Time { return testNow }),
	}, options...)
	return pvm.NewEngine(options...), store
}

// activity opens an activity with start and end listeners recording into cp.
func activity(b *pvm.ProcessDefinitionBuilder, cp *CallPath, id string, activityBehavior pvm.ActivityBehavior) *pvm.ProcessDefinitionBuilder {
	return b.CreateActivity(id).
		Behavior(activityBehavior).
		StartListener(cp.Listener()).
		EndListener(cp.Listener())
}

func deploy(t *testing.T, engine *pvm.Engine, b *pvm.ProcessDefinitionBuilder) *pvm.ProcessDefinition {
	t.Helper()
	definition, err := b.Build()
	require.NoError(t, err)
	deployed, err := engine.Deploy(context.Background(), definition)
	require.NoError(t, err)
	return deployed
}

// findExecution returns the live execution positioned at activityId.
func findExecution(t *testing.T, instance *runtime.ProcessInstance, activityId string) *runtime.Execution {
	t.Helper()
	keys := make([]int64, 0, len(instance.Executions))
	for key := range instance.Executions {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		ex := instance.Executions[key]
		if ex.ActivityId == activityId && !ex.Ended && !ex.EventScope {
			return ex
		}
	}
	require.FailNow(t, "no execution found", "activity %s", activityId)
	return nil
}

func liveExecutions(instance *runtime.ProcessInstance) int {
	n := 0
	for _, ex := range instance.Executions {
		if !ex.Ended && !ex.EventScope {
			n++
		}
	}
	return n
}

func sequenceProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("sequence").
		ExecutionListener(pvm.EventStart, cp.Process()).
		ExecutionListener(pvm.EventEnd, cp.Process())
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("a").TakeListener(cp.Listener()).EndActivity()
	activity(b, cp, "a", behavior.WaitState{}).Transition("b").EndActivity()
	activity(b, cp, "b", behavior.Automatic{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func Test_sequence_runs_until_wait_state_and_completes_on_signal(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, sequenceProcess(&cp))

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "process:start,start:start,end:start,take:start->a,start:a", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceActive, instance.State)
	root := instance.Root()
	assert.Equal(t, "a", root.ActivityId)
	assert.False(t, root.Active)
	assert.Equal(t, int64(1), instance.Revision)

	// when
	instance, err = engine.Signal(context.Background(), instance.Key, root.Key, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "process:start,start:start,end:start,take:start->a,start:a,end:a,start:b,end:b,start:end,end:end,process:end", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
	assert.True(t, instance.Root().Ended)
	assert.NotNil(t, instance.EndedAt)
	assert.Equal(t, int64(2), instance.Revision)

	stored, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, stored.State)
	assert.Equal(t, int64(2), stored.Revision)
}

func Test_signal_rejects_executions_that_do_not_wait(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, sequenceProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	_, errMissing := engine.Signal(context.Background(), instance.Key, 42, "go", nil)
	_, errFirst := engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)
	_, errSecond := engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	var illegal *pvm.IllegalExecutionStateError
	assert.ErrorAs(t, errMissing, &illegal)
	assert.NoError(t, errFirst)
	assert.ErrorAs(t, errSecond, &illegal)
}

func Test_signal_data_is_merged_into_variables(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, sequenceProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), map[string]any{"customer": "ACME"})
	require.NoError(t, err)

	// when
	instance, err = engine.Signal(context.Background(), instance.Key, instance.Key, "approve", map[string]any{"approved": true})

	// then
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"customer": "ACME", "approved": true}, instance.Root().Variables)
}

func Test_while_loop_runs_body_ten_times(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := pvm.NewProcessDefinitionBuilder("loop")
	activity(b, &cp, "start", behavior.Automatic{}).Initial().Transition("loop").EndActivity()
	activity(b, &cp, "loop", behavior.While{Variable: "i", From: 0, To: 10}).
		Transition("body", behavior.TransitionMore).
		Transition("end", behavior.TransitionDone).
		EndActivity()
	activity(b, &cp, "body", behavior.Automatic{}).Transition("loop").EndActivity()
	activity(b, &cp, "end", behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
	assert.Equal(t, 10, cp.count("start:body"))
	assert.Equal(t, 11, cp.count("start:loop"))
	assert.Equal(t, int64(10), instance.Root().Variables["i"])
}

func forkJoinProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("fork-join")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("fork").EndActivity()
	activity(b, cp, "fork", behavior.ParallelGateway{}).Transition("a").Transition("b").Transition("c").EndActivity()
	activity(b, cp, "a", behavior.WaitState{}).Transition("join").EndActivity()
	activity(b, cp, "b", behavior.WaitState{}).Transition("join").EndActivity()
	activity(b, cp, "c", behavior.WaitState{}).Transition("join").EndActivity()
	activity(b, cp, "join", behavior.ParallelGateway{}).Transition("after").EndActivity()
	activity(b, cp, "after", behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func Test_fork_creates_concurrent_children(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, forkJoinProcess(&cp))

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	root := instance.Root()
	assert.Empty(t, root.ActivityId)
	assert.False(t, root.Active)
	children := instance.Children(root.Key)
	require.Len(t, children, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.True(t, children[i].Concurrent)
		assert.False(t, children[i].Active)
		assert.Equal(t, id, children[i].ActivityId)
	}
	assert.Equal(t, "start:start,end:start,start:fork,end:fork,start:a,start:b,start:c", cp.CallPath)
}

func Test_join_collapses_into_parent_in_any_order(t *testing.T) {
	orders := [][]string{
		{"a", "b", "c"}, {"a", "c", "b"},
		{"b", "a", "c"}, {"b", "c", "a"},
		{"c", "a", "b"}, {"c", "b", "a"},
	}
	for _, order := range orders {
		t.Run(strings.Join(order, ""), func(t *testing.T) {
			// setup
			engine, _ := newTestEngine()
			cp := CallPath{}
			definition := deploy(t, engine, forkJoinProcess(&cp))
			instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
			require.NoError(t, err)

			// when
			for _, id := range order {
				ex := findExecution(t, instance, id)
				instance, err = engine.Signal(context.Background(), instance.Key, ex.Key, "go", nil)
				require.NoError(t, err)
			}

			// then
			root := instance.Root()
			assert.Equal(t, "after", root.ActivityId)
			assert.False(t, root.Active)
			assert.Empty(t, instance.Children(root.Key))
			assert.Len(t, instance.Executions, 1)
			assert.Equal(t, 3, cp.count("start:join"))
			assert.Equal(t, 1, cp.count("end:join"))

			// when
			instance, err = engine.Signal(context.Background(), instance.Key, root.Key, "go", nil)

			// then
			require.NoError(t, err)
			assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
		})
	}
}

func nestedScopeProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("nested")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("sub").EndActivity()
	activity(b, cp, "sub", behavior.EmbeddedSubProcess{}).Transition("after")
	activity(b, cp, "inner-start", behavior.Automatic{}).Initial().Transition("inner-wait").EndActivity()
	activity(b, cp, "inner-wait", behavior.WaitState{}).Transition("inner-end").EndActivity()
	activity(b, cp, "inner-end", behavior.End{}).EndActivity()
	b.EndActivity()
	activity(b, cp, "after", behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func Test_nested_scope_is_entered_and_completed(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, nestedScopeProcess(&cp))

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), map[string]any{"outer": 1})

	// then
	require.NoError(t, err)
	assert.Equal(t, "start:start,end:start,start:sub,start:inner-start,end:inner-start,start:inner-wait", cp.CallPath)
	root := instance.Root()
	assert.Equal(t, "sub", root.ActivityId)
	scope := findExecution(t, instance, "inner-wait")
	assert.True(t, scope.Scope)
	assert.False(t, scope.Concurrent)
	assert.Equal(t, "sub", scope.ScopeActivityId)
	assert.Equal(t, root.Key, scope.ParentKey)

	// when
	cp.CallPath = ""
	instance, err = engine.Signal(context.Background(), instance.Key, scope.Key, "go", map[string]any{"outer": 2, "inner": 3})

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:inner-wait,start:inner-end,end:inner-end,end:sub,start:after", cp.CallPath)
	root = instance.Root()
	assert.Equal(t, "after", root.ActivityId)
	assert.Len(t, instance.Executions, 1)
	// "inner" was new and lived in the scope execution
	assert.Equal(t, map[string]any{"outer": 2}, root.Variables)
}

func doublyNestedProcess(cp *CallPath) *pvm.ProcessDefinitionBuilder {
	b := pvm.NewProcessDefinitionBuilder("doubly-nested")
	activity(b, cp, "start", behavior.Automatic{}).Initial().Transition("outer").EndActivity()
	activity(b, cp, "outer", behavior.EmbeddedSubProcess{}).Transition("end")
	activity(b, cp, "o-start", behavior.Automatic{}).Initial().Transition("inner").EndActivity()
	activity(b, cp, "inner", behavior.EmbeddedSubProcess{}).Transition("o-end")
	activity(b, cp, "i-start", behavior.Automatic{}).Initial().Transition("i-wait").EndActivity()
	activity(b, cp, "i-wait", behavior.WaitState{}).Transition("i-end").EndActivity()
	activity(b, cp, "i-end", behavior.End{}).EndActivity()
	b.EndActivity()
	activity(b, cp, "o-end", behavior.End{}).EndActivity()
	b.EndActivity()
	activity(b, cp, "end", behavior.End{}).EndActivity()
	return b
}

func Test_parent_chain_matches_declared_nesting(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, doublyNestedProcess(&cp))

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	root := instance.Root()
	waiting := findExecution(t, instance, "i-wait")
	assert.Equal(t, "inner", waiting.ScopeActivityId)
	innerScope, ok := instance.Execution(waiting.ParentKey)
	require.True(t, ok)
	assert.Equal(t, "outer", innerScope.ScopeActivityId)
	assert.Equal(t, "inner", innerScope.ActivityId)
	assert.Equal(t, root.Key, innerScope.ParentKey)
	assert.Equal(t, "outer", root.ActivityId)

	tree := pvm.BuildActivityInstanceTree(*instance)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "outer", tree.Children[0].ActivityId)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "inner", tree.Children[0].Children[0].ActivityId)
	require.Len(t, tree.Children[0].Children[0].Children, 1)
	assert.Equal(t, "i-wait", tree.Children[0].Children[0].Children[0].ActivityId)

	// when
	cp.CallPath = ""
	instance, err = engine.Signal(context.Background(), instance.Key, waiting.Key, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:i-wait,start:i-end,end:i-end,end:inner,start:o-end,end:o-end,end:outer,start:end,end:end", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
}

func Test_activity_instance_tree_follows_scopes(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, nestedScopeProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	scope := findExecution(t, instance, "inner-wait")

	// when
	tree, err := engine.GetActivityInstanceTree(context.Background(), instance.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, "nested", tree.ActivityId)
	require.Len(t, tree.Children, 1)
	sub := tree.Children[0]
	assert.Equal(t, "sub", sub.ActivityId)
	assert.Equal(t, scope.ScopeInstanceId, sub.Id)
	require.Len(t, sub.Children, 1)
	assert.Equal(t, "inner-wait", sub.Children[0].ActivityId)
	assert.Equal(t, []int64{scope.Key}, sub.Children[0].ExecutionKeys)
}

func Test_activity_instance_tree_of_fork(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, forkJoinProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	tree := pvm.BuildActivityInstanceTree(*instance)

	// then
	ids := []string{}
	for _, child := range tree.Children {
		ids = append(ids, child.ActivityId)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

// interleavingStorage runs Interleave once, after a command loaded the
// instance and before it saved it.
type interleavingStorage struct {
	*inmemory.Storage
	Interleave func()
}

func (s *interleavingStorage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := s.Storage.FindProcessInstanceByKey(ctx, processInstanceKey)
	if s.Interleave != nil {
		interleave := s.Interleave
		s.Interleave = nil
		interleave()
	}
	return instance, err
}

func Test_concurrent_commands_fail_with_optimistic_lock_error(t *testing.T) {
	// setup
	store := &interleavingStorage{Storage: inmemory.NewStorage()}
	engine := pvm.NewEngine(
		pvm.EngineWithStorage(store),
		pvm.EngineWithLogger(hclog.NewNullLogger()),
	)
	cp := CallPath{}
	definition := deploy(t, engine, forkJoinProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	a := findExecution(t, instance, "a")
	b := findExecution(t, instance, "b")

	// given
	var interleaveErr error
	store.Interleave = func() {
		_, interleaveErr = engine.Signal(context.Background(), instance.Key, b.Key, "go", nil)
	}

	// when
	_, err = engine.Signal(context.Background(), instance.Key, a.Key, "go", nil)

	// then
	require.NoError(t, interleaveErr)
	assert.True(t, storage.IsOptimisticLockError(err))
	stored, err := store.Storage.FindProcessInstanceByKey(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, instance.Revision+1, stored.Revision)
	assert.Equal(t, "a", stored.Executions[a.Key].ActivityId)
	assert.Equal(t, "join", stored.Executions[b.Key].ActivityId)
}

func Test_listener_error_aborts_command_without_saving(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	failure := errors.New("listener failed")
	b := pvm.NewProcessDefinitionBuilder("failing")
	b.CreateActivity("start").Initial().Behavior(behavior.Automatic{}).Transition("a").EndActivity()
	b.CreateActivity("a").Behavior(behavior.WaitState{}).Transition("end").
		EndListener(pvm.ExecutionListenerFunc(func(ex *pvm.Execution) error {
			ex.SetVariable("touched", true)
			return failure
		})).
		EndActivity()
	b.CreateActivity("end").Behavior(behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	_, err = engine.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	assert.ErrorIs(t, err, failure)
	stored, err := engine.FindProcessInstance(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, instance.Revision, stored.Revision)
	assert.Equal(t, "a", stored.Root().ActivityId)
	assert.NotContains(t, stored.Root().Variables, "touched")
}

func Test_cancel_process_instance_fires_end_listeners_only_once(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := forkJoinProcess(&cp).
		ExecutionListener(pvm.EventEnd, cp.Process())
	definition := deploy(t, engine, b)
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	cp.CallPath = ""
	instance, err = engine.CancelProcessInstance(context.Background(), instance.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:a,end:b,end:c,process:end", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceTerminated, instance.State)
	assert.Equal(t, 0, liveExecutions(instance))

	// when
	cp.CallPath = ""
	instance, err = engine.CancelProcessInstance(context.Background(), instance.Key)

	// then
	require.NoError(t, err)
	assert.Empty(t, cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceTerminated, instance.State)
}

func Test_cancel_process_instance_inside_scope(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, nestedScopeProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	cp.CallPath = ""
	instance, err = engine.CancelProcessInstance(context.Background(), instance.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:inner-wait,end:sub", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceTerminated, instance.State)
}

func Test_cancel_one_concurrent_execution(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, forkJoinProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	a := findExecution(t, instance, "a")

	// when
	cp.CallPath = ""
	instance, err = engine.CancelExecution(context.Background(), instance.Key, a.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:a", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceActive, instance.State)
	_, found := instance.Execution(a.Key)
	assert.False(t, found)
	assert.Len(t, instance.Children(instance.Key), 2)
}

func Test_cancel_last_execution_terminates_instance(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, nestedScopeProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	scope := findExecution(t, instance, "inner-wait")

	// when
	cp.CallPath = ""
	instance, err = engine.CancelExecution(context.Background(), instance.Key, scope.Key)

	// then
	require.NoError(t, err)
	assert.Equal(t, "end:inner-wait,end:sub", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceTerminated, instance.State)
}

func Test_fault_is_caught_by_enclosing_scope(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := pvm.NewProcessDefinitionBuilder("fault")
	activity(b, &cp, "start", behavior.Automatic{}).Initial().Transition("sub").EndActivity()
	activity(b, &cp, "sub", behavior.EmbeddedSubProcess{}).Transition("end").FaultTransition("boom", "handler")
	activity(b, &cp, "inner-start", behavior.Automatic{}).Initial().Transition("thrower").EndActivity()
	activity(b, &cp, "thrower", behavior.ThrowFault{Code: "boom"}).EndActivity()
	b.EndActivity()
	activity(b, &cp, "handler", behavior.WaitState{}).Transition("end").EndActivity()
	activity(b, &cp, "end", behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "start:start,end:start,start:sub,start:inner-start,end:inner-start,start:thrower,end:thrower,end:sub,start:handler", cp.CallPath)
	root := instance.Root()
	assert.Equal(t, "handler", root.ActivityId)
	assert.Len(t, instance.Executions, 1)
}

func Test_unhandled_fault_aborts_start(t *testing.T) {
	// setup
	engine, store := newTestEngine()
	b := pvm.NewProcessDefinitionBuilder("unhandled")
	b.CreateActivity("start").Initial().Behavior(behavior.ThrowFault{Code: "boom", Message: "no stock"}).EndActivity()
	definition := deploy(t, engine, b)

	// when
	_, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	var unhandled *pvm.UnhandledFaultError
	require.ErrorAs(t, err, &unhandled)
	assert.Equal(t, "boom", unhandled.Fault.Code)
	assert.Equal(t, "start", unhandled.ActivityId)
	assert.Empty(t, store.ProcessInstances)
}

func Test_compensation_runs_handlers_in_reverse_order(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := pvm.NewProcessDefinitionBuilder("compensation")
	activity(b, &cp, "start", behavior.Automatic{}).Initial().Transition("book-hotel").EndActivity()
	activity(b, &cp, "book-hotel", behavior.Automatic{}).CompensationHandler("cancel-hotel").Transition("book-flight").EndActivity()
	activity(b, &cp, "book-flight", behavior.Automatic{}).CompensationHandler("cancel-flight").Transition("undo").EndActivity()
	activity(b, &cp, "undo", behavior.CompensationThrow{}).Transition("end").EndActivity()
	activity(b, &cp, "cancel-hotel", behavior.Automatic{}).ForCompensation().EndActivity()
	activity(b, &cp, "cancel-flight", behavior.Automatic{}).ForCompensation().EndActivity()
	activity(b, &cp, "end", behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
	flight := strings.Index(cp.CallPath, "start:cancel-flight")
	hotel := strings.Index(cp.CallPath, "start:cancel-hotel")
	require.NotEqual(t, -1, flight)
	require.NotEqual(t, -1, hotel)
	assert.Less(t, flight, hotel)
	assert.Less(t, strings.Index(cp.CallPath, "end:cancel-hotel"), strings.Index(cp.CallPath, "end:undo"))
	assert.Equal(t, 1, cp.count("end:undo"))
}

func Test_compensation_handler_waits_for_signal(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := pvm.NewProcessDefinitionBuilder("compensation-wait")
	activity(b, &cp, "start", behavior.Automatic{}).Initial().Transition("charge").EndActivity()
	activity(b, &cp, "charge", behavior.Automatic{}).CompensationHandler("refund").Transition("undo").EndActivity()
	activity(b, &cp, "undo", behavior.CompensationThrow{}).Transition("end").EndActivity()
	activity(b, &cp, "refund", behavior.WaitState{}).ForCompensation().EndActivity()
	activity(b, &cp, "end", behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	refund := findExecution(t, instance, "refund")
	assert.Equal(t, instance.Key, findExecution(t, instance, "undo").Key)

	// when
	instance, err = engine.Signal(context.Background(), instance.Key, refund.Key, "done", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
}

func Test_compensation_without_completed_activities_leaves(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	b := pvm.NewProcessDefinitionBuilder("nothing-to-compensate")
	activity(b, &cp, "undo", behavior.CompensationThrow{}).Initial().Transition("end").EndActivity()
	activity(b, &cp, "end", behavior.End{}).EndActivity()
	definition := deploy(t, engine, b)

	// when
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, "start:undo,end:undo,start:end,end:end", cp.CallPath)
	assert.Equal(t, runtime.ProcessInstanceCompleted, instance.State)
}

func Test_set_variables_local_and_global(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, nestedScopeProcess(&cp))
	instance, err := engine.StartProcessInstance(context.Background(), definition.Key(), map[string]any{"shared": "root"})
	require.NoError(t, err)
	scope := findExecution(t, instance, "inner-wait")

	// when
	instance, err = engine.SetVariables(context.Background(), instance.Key, scope.Key, map[string]any{"local": 1}, true)
	require.NoError(t, err)
	instance, err = engine.SetVariables(context.Background(), instance.Key, scope.Key, map[string]any{"shared": "updated"}, false)
	require.NoError(t, err)

	// then
	assert.Equal(t, map[string]any{"shared": "updated"}, instance.Root().Variables)
	assert.Equal(t, map[string]any{"local": 1}, instance.Executions[scope.Key].Variables)
}

func Test_start_process_instance_by_id_uses_latest_version(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	first := deploy(t, engine, sequenceProcess(&cp))
	second := deploy(t, engine, sequenceProcess(&cp))

	// when
	instance, err := engine.StartProcessInstanceById(context.Background(), "sequence", nil, pvm.WithBusinessKey("order-7"))

	// then
	require.NoError(t, err)
	assert.Equal(t, int32(1), first.Version())
	assert.Equal(t, int32(2), second.Version())
	assert.Equal(t, second.Key(), instance.DefinitionKey)
	assert.Equal(t, "order-7", instance.BusinessKey)
	assert.Equal(t, instance.Key, instance.RootProcessInstanceKey)
}

func Test_child_instance_shares_root_key(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition := deploy(t, engine, sequenceProcess(&cp))
	parent, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)

	// when
	child, err := engine.StartProcessInstance(context.Background(), definition.Key(), nil, pvm.WithParentProcessInstance(parent.Key))

	// then
	require.NoError(t, err)
	require.NotNil(t, child.ParentProcessInstanceKey)
	assert.Equal(t, parent.Key, *child.ParentProcessInstanceKey)
	assert.Equal(t, parent.Key, child.RootProcessInstanceKey)
}

func Test_deploy_same_source_returns_latest_version(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	parser := func(def runtime.ProcessDefinition) (*pvm.ProcessDefinition, error) {
		return sequenceProcess(&cp).Source(def.Source).Build()
	}
	engine = pvm.NewEngine(
		pvm.EngineWithLogger(hclog.NewNullLogger()),
		pvm.EngineWithDefinitionParser(parser),
	)
	source := []byte("id: sequence")

	// when
	first := deploy(t, engine, sequenceProcess(&cp).Source(source))
	second := deploy(t, engine, sequenceProcess(&cp).Source(source))
	third := deploy(t, engine, sequenceProcess(&cp).Source([]byte("id: sequence\nname: changed")))

	// then
	assert.Equal(t, first.Key(), second.Key())
	assert.Equal(t, int32(1), second.Version())
	assert.Equal(t, int32(2), third.Version())
}

func Test_deploy_rejects_deployed_definition(t *testing.T) {
	// setup
	engine, _ := newTestEngine()
	cp := CallPath{}
	definition, err := sequenceProcess(&cp).Build()
	require.NoError(t, err)
	_, err = engine.Deploy(context.Background(), definition)
	require.NoError(t, err)

	// when
	_, err = engine.Deploy(context.Background(), definition)

	// then
	var engineErr *pvm.EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func Test_definition_is_parsed_from_source_when_not_cached(t *testing.T) {
	// setup
	store := inmemory.NewStorage()
	cp := CallPath{}
	parsed := 0
	parser := func(def runtime.ProcessDefinition) (*pvm.ProcessDefinition, error) {
		parsed++
		return sequenceProcess(&cp).Source(def.Source).Build()
	}
	first := pvm.NewEngine(pvm.EngineWithStorage(store), pvm.EngineWithLogger(hclog.NewNullLogger()))
	definition := deploy(t, first, sequenceProcess(&cp).Source([]byte("id: sequence")))

	// given
	restarted := pvm.NewEngine(
		pvm.EngineWithStorage(store),
		pvm.EngineWithLogger(hclog.NewNullLogger()),
		pvm.EngineWithDefinitionParser(parser),
	)

	// when
	instance, err := restarted.StartProcessInstance(context.Background(), definition.Key(), nil)
	require.NoError(t, err)
	_, err = restarted.Signal(context.Background(), instance.Key, instance.Key, "go", nil)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, parsed)
	found, err := restarted.FindProcessDefinition(context.Background(), definition.Key())
	require.NoError(t, err)
	assert.Equal(t, definition.Key(), found.Key())
	assert.Equal(t, int32(1), found.Version())
}

func Test_definition_without_source_is_lost_on_restart(t *testing.T) {
	// setup
	store := inmemory.NewStorage()
	cp := CallPath{}
	first := pvm.NewEngine(pvm.EngineWithStorage(store), pvm.EngineWithLogger(hclog.NewNullLogger()))
	definition := deploy(t, first, sequenceProcess(&cp))
	restarted := pvm.NewEngine(pvm.EngineWithStorage(store), pvm.EngineWithLogger(hclog.NewNullLogger()))

	// when
	_, err := restarted.StartProcessInstance(context.Background(), definition.Key(), nil)

	// then
	var engineErr *pvm.EngineError
	assert.ErrorAs(t, err, &engineErr)
}
