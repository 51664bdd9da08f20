// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package storagetest is a conformance suite every storage.Storage implementation runs.
package storagetest

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

type StorageTester struct {
	processDefinition runtime.ProcessDefinition
	processInstance   runtime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorageWriter,
		st.TestProcessDefinitionStorageReader,
		st.TestProcessDefinitionVersions,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestProcessInstanceRevisionConflict,
		st.TestBatchIsAtomic,
		st.TestBatchRepeatedSave,
		st.TestJobStorageReader,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func generateKey() int64 {
	return rand.Int63()
}

func getProcessDefinition(r int64) runtime.ProcessDefinition {
	return runtime.ProcessDefinition{
		Key:          r,
		Id:           fmt.Sprintf("id-%d", r),
		Name:         "aName",
		Version:      1,
		ResourceName: fmt.Sprintf("resource-%d", r),
		Source:       []byte(fmt.Sprintf("id: id-%d\n", r)),
		Checksum:     [16]byte{1},
		DeployedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func getProcessInstance(r int64, d runtime.ProcessDefinition, jobs ...runtime.Job) runtime.ProcessInstance {
	child := r + 1
	return runtime.ProcessInstance{
		Key:                    r,
		DefinitionKey:          d.Key,
		DefinitionId:           d.Id,
		RootProcessInstanceKey: r,
		State:                  runtime.ProcessInstanceActive,
		CreatedAt:              time.Now().UTC().Truncate(time.Millisecond),
		Executions: map[int64]*runtime.Execution{
			r: {
				Key:       r,
				ChildKeys: []int64{child},
				Scope:     true,
				Variables: map[string]any{
					"v1":   float64(123),
					"var2": "val2",
				},
			},
			child: {
				Key:        child,
				ParentKey:  r,
				ActivityId: "wait",
				Concurrent: true,
			},
		},
		Jobs: jobs,
	}
}

func getJob(key int64, pi int64, executionKey int64, dueAt time.Time) runtime.Job {
	return runtime.Job{
		Key:                    key,
		ProcessInstanceKey:     pi,
		RootProcessInstanceKey: pi,
		ExecutionKey:           executionKey,
		ActivityId:             "wait",
		Type:                   runtime.JobTypeTimer,
		State:                  runtime.JobStatePending,
		DueAt:                  dueAt,
		Retries:                3,
		CreatedAt:              time.Now().UTC().Truncate(time.Millisecond),
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := generateKey()

	st.processDefinition = getProcessDefinition(r)
	err := s.SaveProcessDefinition(t.Context(), st.processDefinition)
	require.NoError(t, err)

	st.processInstance = getProcessInstance(r, st.processDefinition)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	require.NoError(t, err)
}

func (st *StorageTester) TestProcessDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()

		def := getProcessDefinition(r)

		err := s.SaveProcessDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindProcessDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
		assert.Equal(t, def.Source, definition.Source)
		assert.Equal(t, def.Checksum, definition.Checksum)
	}
}

func (st *StorageTester) TestProcessDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		definition, err := s.FindLatestProcessDefinitionById(t.Context(), st.processDefinition.Id)
		assert.NoError(t, err)
		assert.Equal(t, st.processDefinition.Key, definition.Key)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), st.processDefinition.Id)
		assert.NoError(t, err)
		assert.Len(t, definitions, 1)

		_, err = s.FindProcessDefinitionByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindLatestProcessDefinitionById(t.Context(), "does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		definitions, err = s.FindProcessDefinitionsById(t.Context(), "does-not-exist")
		assert.NoError(t, err)
		assert.Empty(t, definitions)
	}
}

func (st *StorageTester) TestProcessDefinitionVersions(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		id := fmt.Sprintf("versioned-%d", generateKey())
		for version := int32(1); version <= 3; version++ {
			def := getProcessDefinition(generateKey())
			def.Id = id
			def.Version = version
			assert.NoError(t, s.SaveProcessDefinition(t.Context(), def))
		}

		latest, err := s.FindLatestProcessDefinitionById(t.Context(), id)
		assert.NoError(t, err)
		assert.Equal(t, int32(3), latest.Version)

		definitions, err := s.FindProcessDefinitionsById(t.Context(), id)
		assert.NoError(t, err)
		assert.Len(t, definitions, 3)
		for i, def := range definitions {
			assert.Equal(t, int32(i+1), def.Version)
		}
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()
		inst := getProcessInstance(r, st.processDefinition)

		err := s.SaveProcessInstance(t.Context(), inst)
		assert.NoError(t, err)

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), stored.Revision)

		stored.Executions[r].Variables["v1"] = float64(456)
		err = s.SaveProcessInstance(t.Context(), stored)
		assert.NoError(t, err)

		updated, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), updated.Revision)
		assert.Equal(t, float64(456), updated.Executions[r].Variables["v1"])
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		inst, err := s.FindProcessInstanceByKey(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Equal(t, st.processInstance.Key, inst.Key)
		assert.Equal(t, st.processDefinition.Key, inst.DefinitionKey)
		assert.Equal(t, runtime.ProcessInstanceActive, inst.State)
		assert.Len(t, inst.Executions, 2)

		root := inst.Root()
		assert.NotNil(t, root)
		assert.Equal(t, "val2", root.Variables["var2"])
		children := inst.Children(root.Key)
		assert.Len(t, children, 1)
		assert.Equal(t, "wait", children[0].ActivityId)
		assert.True(t, children[0].Concurrent)

		// mutating a read copy must not leak into storage
		root.Variables["var2"] = "changed"
		again, err := s.FindProcessInstanceByKey(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.Equal(t, "val2", again.Root().Variables["var2"])

		instances, err := s.FindProcessInstancesByDefinitionKey(t.Context(), st.processDefinition.Key)
		assert.NoError(t, err)
		assert.NotEmpty(t, instances)

		_, err = s.FindProcessInstanceByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceRevisionConflict(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()
		assert.NoError(t, s.SaveProcessInstance(t.Context(), getProcessInstance(r, st.processDefinition)))

		first, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		second, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)

		first.BusinessKey = "first"
		assert.NoError(t, s.SaveProcessInstance(t.Context(), first))

		second.BusinessKey = "second"
		err = s.SaveProcessInstance(t.Context(), second)
		var lockErr *storage.OptimisticLockError
		assert.True(t, errors.As(err, &lockErr))
		assert.Equal(t, r, lockErr.ProcessInstanceKey)

		// inserting an already existing instance is a conflict as well
		err = s.SaveProcessInstance(t.Context(), getProcessInstance(r, st.processDefinition))
		assert.True(t, storage.IsOptimisticLockError(err))

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, "first", stored.BusinessKey)
	}
}

func (st *StorageTester) TestBatchIsAtomic(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()
		assert.NoError(t, s.SaveProcessInstance(t.Context(), getProcessInstance(r, st.processDefinition)))
		stale, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		current, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.NoError(t, s.SaveProcessInstance(t.Context(), current))

		fresh := generateKey()
		batch := s.NewBatch()
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), getProcessInstance(fresh, st.processDefinition)))
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), stale))
		err = batch.Flush(t.Context())
		assert.True(t, storage.IsOptimisticLockError(err))

		_, err = s.FindProcessInstanceByKey(t.Context(), fresh)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		batch = s.NewBatch()
		def := getProcessDefinition(generateKey())
		assert.NoError(t, batch.SaveProcessDefinition(t.Context(), def))
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), getProcessInstance(fresh, def)))
		assert.NoError(t, batch.Flush(t.Context()))

		_, err = s.FindProcessDefinitionByKey(t.Context(), def.Key)
		assert.NoError(t, err)
		inst, err := s.FindProcessInstanceByKey(t.Context(), fresh)
		assert.NoError(t, err)
		assert.Equal(t, def.Key, inst.DefinitionKey)
	}
}

func (st *StorageTester) TestBatchRepeatedSave(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()
		assert.NoError(t, s.SaveProcessInstance(t.Context(), getProcessInstance(r, st.processDefinition)))
		loaded, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)

		first := loaded.Clone()
		first.BusinessKey = "first"
		second := loaded.Clone()
		second.BusinessKey = "second"
		batch := s.NewBatch()
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), first))
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), second))
		err = batch.Flush(t.Context())
		var lockErr *storage.OptimisticLockError
		assert.ErrorAs(t, err, &lockErr)

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), stored.Revision)
		assert.Empty(t, stored.BusinessKey)

		chained := first.Clone()
		chained.Revision++
		chained.BusinessKey = "chained"
		batch = s.NewBatch()
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), first))
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), chained))
		assert.NoError(t, batch.Flush(t.Context()))

		stored, err = s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), stored.Revision)
		assert.Equal(t, "chained", stored.BusinessKey)
	}
}

func (st *StorageTester) TestJobStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := generateKey()
		now := time.Now().UTC().Truncate(time.Millisecond)
		// far in the past so no job of another test sorts before these
		base := now.Add(-100 * 24 * time.Hour)
		dueEarly := getJob(generateKey(), r, r+1, base)
		dueLate := getJob(generateKey(), r, r+1, base.Add(time.Minute))
		future := getJob(generateKey(), r, r+1, now.Add(time.Hour))
		failed := getJob(generateKey(), r, r+1, base)
		failed.State = runtime.JobStateFailed

		inst := getProcessInstance(r, st.processDefinition, dueLate, future, dueEarly, failed)
		assert.NoError(t, s.SaveProcessInstance(t.Context(), inst))

		job, err := s.FindJobByKey(t.Context(), future.Key)
		assert.NoError(t, err)
		assert.Equal(t, r, job.ProcessInstanceKey)
		assert.Equal(t, runtime.JobTypeTimer, job.Type)

		_, err = s.FindJobByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		due, err := s.FindDueJobs(t.Context(), now, 0)
		assert.NoError(t, err)
		keys := make([]int64, 0, len(due))
		for _, j := range due {
			keys = append(keys, j.Key)
		}
		assert.Contains(t, keys, dueEarly.Key)
		assert.Contains(t, keys, dueLate.Key)
		assert.NotContains(t, keys, future.Key)
		assert.NotContains(t, keys, failed.Key)

		limited, err := s.FindDueJobs(t.Context(), base.Add(time.Second), 1)
		assert.NoError(t, err)
		assert.Len(t, limited, 1)
		assert.Equal(t, dueEarly.Key, limited[0].Key)

		// jobs removed from the instance disappear from the index
		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		stored.Jobs = nil
		assert.NoError(t, s.SaveProcessInstance(t.Context(), stored))
		_, err = s.FindJobByKey(t.Context(), future.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}
