// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package boltdb is a durable storage.Storage on top of a single bbolt file.
// Process instances are stored as JSON documents, jobs are indexed in their
// own bucket and rewritten together with the owning instance.
package boltdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

var (
	definitionsBucket = []byte("definitions")
	instancesBucket   = []byte("instances")
	jobsBucket        = []byte("jobs")
)

var ErrClosed = errors.New("storage is closed")

type Storage struct {
	db *bbolt.DB
}

// Open creates or opens the database file at path.
// A zero timeout waits for the file lock indefinitely.
func Open(ctx context.Context, path string, timeout time.Duration) (*Storage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	opts := *bbolt.DefaultOptions
	opts.Timeout = timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); opts.Timeout == 0 || until < opts.Timeout {
			opts.Timeout = until
		}
	}
	db, err := bbolt.Open(path, os.FileMode(0600), &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	s, err := New(db)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return s, nil
}

// New wraps an already opened database and creates the buckets it needs.
func New(db *bbolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverMust(&err)
		for _, name := range [][]byte{definitionsBucket, instancesBucket, jobsBucket} {
			_, err := tx.CreateBucketIfNotExists(name)
			must(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

var _ storage.Storage = &Storage{}

func (s *Storage) NewBatch() storage.Batch {
	return &StorageBatch{s: s}
}

func (s *Storage) view(ctx context.Context, fn func(tx *bbolt.Tx)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) (err error) {
		defer recoverMust(&err)
		fn(tx)
		return nil
	})
}

var _ storage.ProcessDefinitionStorageReader = &Storage{}

func (s *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (runtime.ProcessDefinition, error) {
	definitions, err := s.FindProcessDefinitionsById(ctx, processDefinitionId)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}
	if len(definitions) == 0 {
		return runtime.ProcessDefinition{}, storage.ErrNotFound
	}
	return definitions[len(definitions)-1], nil
}

func (s *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (runtime.ProcessDefinition, error) {
	var res runtime.ProcessDefinition
	found := false
	err := s.view(ctx, func(tx *bbolt.Tx) {
		res, found = mustGet[runtime.ProcessDefinition](tx.Bucket(definitionsBucket), keyBytes(processDefinitionKey))
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (s *Storage) FindProcessDefinitionsById(ctx context.Context, processId string) ([]runtime.ProcessDefinition, error) {
	res := make([]runtime.ProcessDefinition, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) {
		must(tx.Bucket(definitionsBucket).ForEach(func(k, v []byte) error {
			def, _ := mustGet[runtime.ProcessDefinition](tx.Bucket(definitionsBucket), k)
			if def.Id == processId {
				res = append(res, def)
			}
			return nil
		}))
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

var _ storage.ProcessDefinitionStorageWriter = &Storage{}

func (s *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b := s.NewBatch()
	if err := b.SaveProcessDefinition(ctx, definition); err != nil {
		return err
	}
	return b.Flush(ctx)
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	var res runtime.ProcessInstance
	found := false
	err := s.view(ctx, func(tx *bbolt.Tx) {
		res, found = mustGet[runtime.ProcessInstance](tx.Bucket(instancesBucket), keyBytes(processInstanceKey))
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (s *Storage) FindProcessInstancesByDefinitionKey(ctx context.Context, definitionKey int64) ([]runtime.ProcessInstance, error) {
	res := make([]runtime.ProcessInstance, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) {
		b := tx.Bucket(instancesBucket)
		must(b.ForEach(func(k, v []byte) error {
			pi, _ := mustGet[runtime.ProcessInstance](b, k)
			if pi.DefinitionKey == definitionKey {
				res = append(res, pi)
			}
			return nil
		}))
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b := s.NewBatch()
	if err := b.SaveProcessInstance(ctx, processInstance); err != nil {
		return err
	}
	return b.Flush(ctx)
}

var _ storage.JobStorageReader = &Storage{}

func (s *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	var res runtime.Job
	found := false
	err := s.view(ctx, func(tx *bbolt.Tx) {
		res, found = mustGet[runtime.Job](tx.Bucket(jobsBucket), keyBytes(jobKey))
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (s *Storage) FindDueJobs(ctx context.Context, until time.Time, limit int) ([]runtime.Job, error) {
	res := make([]runtime.Job, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) {
		b := tx.Bucket(jobsBucket)
		must(b.ForEach(func(k, v []byte) error {
			job, _ := mustGet[runtime.Job](b, k)
			if job.State == runtime.JobStatePending && !job.DueAt.After(until) {
				res = append(res, job)
			}
			return nil
		}))
	})
	if err != nil {
		return nil, err
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
	s           *Storage
	definitions []runtime.ProcessDefinition
	instances   []runtime.ProcessInstance
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.definitions = append(b.definitions, definition)
	return nil
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.instances = append(b.instances, processInstance.Clone())
	return nil
}

// Flush writes everything in one bbolt write transaction. Any error rolls the
// whole transaction back.
func (b *StorageBatch) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.s.db.Update(func(tx *bbolt.Tx) (err error) {
		defer recoverMust(&err)
		defs := tx.Bucket(definitionsBucket)
		for _, def := range b.definitions {
			mustPut(defs, keyBytes(def.Key), def)
		}
		instances := tx.Bucket(instancesBucket)
		jobs := tx.Bucket(jobsBucket)
		for _, pi := range b.instances {
			stored, found := mustGet[runtime.ProcessInstance](instances, keyBytes(pi.Key))
			actual := int64(0)
			if found {
				actual = stored.Revision
			}
			if actual != pi.Revision {
				return &storage.OptimisticLockError{
					ProcessInstanceKey: pi.Key,
					ExpectedRevision:   pi.Revision,
					ActualRevision:     actual,
				}
			}
			for _, job := range stored.Jobs {
				must(jobs.Delete(keyBytes(job.Key)))
			}
			pi.Revision++
			mustPut(instances, keyBytes(pi.Key), pi)
			for _, job := range pi.Jobs {
				mustPut(jobs, keyBytes(job.Key), job)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.definitions = nil
	b.instances = nil
	return nil
}
