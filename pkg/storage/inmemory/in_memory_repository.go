// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
// Every read returns a deep copy so callers never share state with the store.
type Storage struct {
	mu                 sync.RWMutex
	ProcessDefinitions map[int64]runtime.ProcessDefinition
	ProcessInstances   map[int64]runtime.ProcessInstance
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions: make(map[int64]runtime.ProcessDefinition),
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processDefinitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res.Clone(), nil
}

func (mem *Storage) FindProcessInstancesByDefinitionKey(ctx context.Context, definitionKey int64) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessInstance, 0)
	for _, pi := range mem.ProcessInstances {
		if pi.DefinitionKey == definitionKey {
			res = append(res, pi.Clone())
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if err := mem.checkRevision(processInstance); err != nil {
		return err
	}
	mem.storeInstance(processInstance)
	return nil
}

// checkRevision must be called with mu held.
func (mem *Storage) checkRevision(processInstance runtime.ProcessInstance) error {
	stored, ok := mem.ProcessInstances[processInstance.Key]
	actual := int64(0)
	if ok {
		actual = stored.Revision
	}
	if actual != processInstance.Revision {
		return &storage.OptimisticLockError{
			ProcessInstanceKey: processInstance.Key,
			ExpectedRevision:   processInstance.Revision,
			ActualRevision:     actual,
		}
	}
	return nil
}

// storeInstance must be called with mu held.
func (mem *Storage) storeInstance(processInstance runtime.ProcessInstance) {
	stored := processInstance.Clone()
	stored.Revision++
	mem.ProcessInstances[stored.Key] = stored
}

var _ storage.JobStorageReader = &Storage{}

func (mem *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, pi := range mem.ProcessInstances {
		if job, ok := pi.FindJob(jobKey); ok {
			return *job, nil
		}
	}
	return runtime.Job{}, storage.ErrNotFound
}

func (mem *Storage) FindDueJobs(ctx context.Context, until time.Time, limit int) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Job, 0)
	for _, pi := range mem.ProcessInstances {
		for _, job := range pi.Jobs {
			if job.State != runtime.JobStatePending || job.DueAt.After(until) {
				continue
			}
			res = append(res, job)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
	instances []runtime.ProcessInstance
}

var _ storage.Batch = &StorageBatch{}

// Flush checks every instance revision before anything is written so a
// conflicting batch leaves the storage untouched. A later save of the same
// instance in one batch is checked against the revision the earlier save
// produces.
func (b *StorageBatch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	pending := map[int64]int64{}
	for _, pi := range b.instances {
		actual, ok := pending[pi.Key]
		if !ok {
			if err := b.db.checkRevision(pi); err != nil {
				return err
			}
		} else if actual != pi.Revision {
			return &storage.OptimisticLockError{
				ProcessInstanceKey: pi.Key,
				ExpectedRevision:   pi.Revision,
				ActualRevision:     actual,
			}
		}
		pending[pi.Key] = pi.Revision + 1
	}
	for _, stmt := range b.stmtToRun {
		if err := stmt(); err != nil {
			return err
		}
	}
	b.stmtToRun = make([]func() error, 0)
	b.instances = nil
	return nil
}

var _ storage.ProcessDefinitionStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		b.db.ProcessDefinitions[definition.Key] = definition
		return nil
	})
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	pi := processInstance.Clone()
	b.instances = append(b.instances, pi)
	b.stmtToRun = append(b.stmtToRun, func() error {
		b.db.storeInstance(pi)
		return nil
	})
	return nil
}
