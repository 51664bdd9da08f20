// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// ActivityInstance is one node of the activity instance tree, the view of a
// process instance in terms of activities instead of executions.
type ActivityInstance struct {
	Id            string              `json:"id"`
	ActivityId    string              `json:"activityId"`
	ExecutionKeys []int64             `json:"executionKeys"`
	Children      []*ActivityInstance `json:"children,omitempty"`

	sequence int64
}

// GetActivityInstanceTree returns the activity instance tree of a running
// process instance. The root node stands for the process itself.
func (engine *Engine) GetActivityInstanceTree(ctx context.Context, processInstanceKey int64) (*ActivityInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find process instance with key: %d", processInstanceKey), err)
	}
	return BuildActivityInstanceTree(instance), nil
}

// BuildActivityInstanceTree derives the activity instance tree from the
// execution tree. Ended instances have an empty tree.
func BuildActivityInstanceTree(instance runtime.ProcessInstance) *ActivityInstance {
	root := &ActivityInstance{
		Id:            strconv.FormatInt(instance.Key, 10),
		ActivityId:    instance.DefinitionId,
		ExecutionKeys: []int64{instance.Key},
	}
	rootEx := instance.Root()
	if rootEx == nil || rootEx.Ended {
		return root
	}
	collectActivityInstances(instance, rootEx, root)
	return root
}

func collectActivityInstances(instance runtime.ProcessInstance, ex *runtime.Execution, node *ActivityInstance) {
	if ex.EventScope || ex.Ended {
		return
	}
	// a scope execution stands for the activity instance its parent is positioned at
	atOwnScope := ex.Scope && ex.ScopeActivityId != "" && ex.ActivityId == ex.ScopeActivityId
	if ex.ActivityId != "" && !atOwnScope && !hasScopeChildFor(instance, ex) {
		node.Children = append(node.Children, &ActivityInstance{
			Id:            ex.ActivityInstanceId,
			ActivityId:    ex.ActivityId,
			ExecutionKeys: []int64{ex.Key},
			sequence:      ex.Sequence,
		})
	}
	for _, child := range instance.Children(ex.Key) {
		if child.EventScope || child.Ended {
			continue
		}
		target := node
		if child.Scope && child.ScopeActivityId != "" && !child.Concurrent {
			target = &ActivityInstance{
				Id:            child.ScopeInstanceId,
				ActivityId:    child.ScopeActivityId,
				ExecutionKeys: []int64{child.Key},
				sequence:      ex.Sequence,
			}
			node.Children = append(node.Children, target)
		}
		collectActivityInstances(instance, child, target)
	}
	slices.SortStableFunc(node.Children, func(a, b *ActivityInstance) int {
		return cmp.Compare(a.sequence, b.sequence)
	})
}

func hasScopeChildFor(instance runtime.ProcessInstance, ex *runtime.Execution) bool {
	for _, child := range instance.Children(ex.Key) {
		if child.Scope && !child.Concurrent && !child.EventScope && child.ScopeActivityId == ex.ActivityId {
			return true
		}
	}
	return false
}
