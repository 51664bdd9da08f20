// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package zenflake generates the int64 keys of definitions, instances,
// executions and jobs on top of bwmarrin/snowflake.
package zenflake

import (
	"fmt"
	"hash/adler32"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// NODE with id 0 is used for global resources like definitions

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	timeShift       = NodeBits + StepBits
	nodeShift       = StepBits
)

var (
	globalNode     *snowflake.Node
	globalNodeOnce sync.Once
)

// NewNode creates a key generator for node id.
func NewNode(nodeId int64) (*snowflake.Node, error) {
	if nodeId < 0 || nodeId > nodeMax {
		return nil, fmt.Errorf("node id %d must be between 0 and %d", nodeId, nodeMax)
	}
	snowflake.NodeBits = NodeBits
	snowflake.StepBits = StepBits
	return snowflake.NewNode(nodeId)
}

// GlobalNode returns the process wide generator. Its node id is derived from
// the environment, so two processes started with the same environment share
// it and need an explicit node id instead.
func GlobalNode() *snowflake.Node {
	globalNodeOnce.Do(func() {
		node, err := NewNode(NodeIdOf(os.Environ()...))
		if err != nil {
			panic("can't initialize snowflake ID generator. Message: " + err.Error())
		}
		globalNode = node
	})
	return globalNode
}

// NodeIdOf derives a node id from arbitrary names, e.g. a configured node name.
func NodeIdOf(names ...string) int64 {
	hash32 := adler32.New()
	for _, name := range names {
		hash32.Write([]byte(name))
	}
	return int64(hash32.Sum32()) & nodeMax
}

func GetPartitionMask() int64 {
	return nodeMask
}

// GetPartitionId returns the node id encoded in a generated key.
func GetPartitionId(id int64) uint32 {
	maskedId := id & GetPartitionMask()
	nodeId := maskedId >> int64(nodeShift)
	return uint32(nodeId)
}

// GetTimestamp returns the milliseconds since the snowflake epoch encoded in id.
func GetTimestamp(id int64) int64 {
	return id >> int64(timeShift)
}
