// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
)

// DefinitionParser turns a stored definition with source back into a graph.
type DefinitionParser func(stored runtime.ProcessDefinition) (*ProcessDefinition, error)

// definitionCache keeps parsed graphs by definition key. Graphs built in code
// have no source to rebuild them from and are pinned for the engine lifetime.
type definitionCache struct {
	mu     sync.RWMutex
	parsed *expirable.LRU[int64, *ProcessDefinition]
	pinned map[int64]*ProcessDefinition
	parser DefinitionParser
}

func newDefinitionCache(size int, ttl time.Duration) *definitionCache {
	return &definitionCache{
		parsed: expirable.NewLRU[int64, *ProcessDefinition](size, nil, ttl),
		pinned: map[int64]*ProcessDefinition{},
	}
}

func (dc *definitionCache) add(definition *ProcessDefinition) {
	if len(definition.source) == 0 {
		dc.mu.Lock()
		dc.pinned[definition.key] = definition
		dc.mu.Unlock()
		return
	}
	dc.parsed.Add(definition.key, definition)
}

func (dc *definitionCache) get(ctx context.Context, store storage.ProcessDefinitionStorageReader, key int64) (*ProcessDefinition, error) {
	dc.mu.RLock()
	pd, ok := dc.pinned[key]
	dc.mu.RUnlock()
	if ok {
		return pd, nil
	}
	if pd, ok := dc.parsed.Get(key); ok {
		return pd, nil
	}

	stored, err := store.FindProcessDefinitionByKey(ctx, key)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load process definition with key: %d", key), err)
	}
	if len(stored.Source) == 0 || dc.parser == nil {
		return nil, newEngineErrorf("process definition %s (key %d) has no source to build it from", stored.Id, key)
	}
	pd, err = dc.parser(stored)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to parse process definition %s (key %d)", stored.Id, key), err)
	}
	pd.key = stored.Key
	pd.version = stored.Version
	pd.resourceName = stored.ResourceName
	pd.source = stored.Source
	dc.parsed.Add(key, pd)
	return pd, nil
}
