// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

var ErrNotFound = errors.New("not found")

// OptimisticLockError is returned when a process instance was modified by
// someone else between loading and saving it. Callers retry the whole command.
type OptimisticLockError struct {
	ProcessInstanceKey int64
	ExpectedRevision   int64
	ActualRevision     int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf(
		"optimistic lock conflict on process instance %d: expected revision %d, stored revision %d",
		e.ProcessInstanceKey,
		e.ExpectedRevision,
		e.ActualRevision,
	)
}

// IsOptimisticLockError reports whether err contains an *OptimisticLockError.
func IsOptimisticLockError(err error) bool {
	var target *OptimisticLockError
	return errors.As(err, &target)
}

// Storage interface for reading and writing process data into a (persistent) state.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	JobStorageReader

	NewBatch() Batch
}

// Batch collects writes and applies them all or none on Flush.
type Batch interface {
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageWriter

	// Flush validates every collected write and applies them atomically.
	// An *OptimisticLockError leaves the storage untouched.
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById return zero or many registered processes with given ID
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	// SaveProcessDefinition persists a ProcessDefinition
	// and potentially overwrites prior data stored with the given key
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)

	// FindProcessInstancesByDefinitionKey returns instances of one definition ordered by key
	FindProcessInstancesByDefinitionKey(ctx context.Context, definitionKey int64) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance with its jobs.
	// processInstance.Revision must equal the stored revision (0 for a new instance),
	// the stored copy gets Revision+1.
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error)

	// FindDueJobs returns pending jobs with DueAt not after until, ordered by DueAt.
	// limit <= 0 means no limit.
	FindDueJobs(ctx context.Context, until time.Time, limit int) ([]runtime.Job, error)
}
