// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package jobexecutor

import (
	"sync"
)

type instanceLock struct {
	mu      sync.Mutex
	holders int
}

// instanceLocks hands out one mutex per process instance key. An entry lives
// as long as somebody holds or waits for it.
type instanceLocks struct {
	locks map[int64]*instanceLock
	mu    sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		locks: map[int64]*instanceLock{},
	}
}

func (c *instanceLocks) lock(key int64) {
	c.mu.Lock()
	ins, ok := c.locks[key]
	if !ok {
		ins = &instanceLock{}
		c.locks[key] = ins
	}
	ins.holders++
	c.mu.Unlock()

	ins.mu.Lock()
}

func (c *instanceLocks) unlock(key int64) {
	c.mu.Lock()
	ins := c.locks[key]
	ins.holders--
	if ins.holders == 0 {
		delete(c.locks, key)
	}
	c.mu.Unlock()

	ins.mu.Unlock()
}

func (c *instanceLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
