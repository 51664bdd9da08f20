// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package runtime holds the serializable state of running process instances.
// Nothing in here knows how to execute a process; pkg/pvm does that.
package runtime

import (
	"maps"
	"slices"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/ptr"
)

type ProcessInstanceState int

const (
	ProcessInstanceActive ProcessInstanceState = iota + 1
	ProcessInstanceCompleted
	ProcessInstanceTerminated
)

func (s ProcessInstanceState) String() string {
	switch s {
	case ProcessInstanceActive:
		return "ACTIVE"
	case ProcessInstanceCompleted:
		return "COMPLETED"
	case ProcessInstanceTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// ProcessDefinition is the stored form of a deployed definition.
// Source carries the document the definition was parsed from, it is empty for
// definitions assembled in code.
type ProcessDefinition struct {
	Key          int64     `json:"key"`
	Id           string    `json:"id"`
	Name         string    `json:"name"`
	Version      int32     `json:"version"`
	ResourceName string    `json:"resourceName"`
	Source       []byte    `json:"source,omitempty"`
	Checksum     [16]byte  `json:"checksum"`
	DeployedAt   time.Time `json:"deployedAt"`
}

// ProcessInstance is one execution tree. Executions are kept in an arena
// keyed by execution key; the root execution shares the instance key.
// Revision is compared and incremented by storage on every save.
type ProcessInstance struct {
	Key                      int64                `json:"key"`
	DefinitionKey            int64                `json:"definitionKey"`
	DefinitionId             string               `json:"definitionId"`
	BusinessKey              string               `json:"businessKey,omitempty"`
	Revision                 int64                `json:"revision"`
	ParentProcessInstanceKey *int64               `json:"parentProcessInstanceKey,omitempty"`
	RootProcessInstanceKey   int64                `json:"rootProcessInstanceKey"`
	State                    ProcessInstanceState `json:"state"`
	CreatedAt                time.Time            `json:"createdAt"`
	EndedAt                  *time.Time           `json:"endedAt,omitempty"`
	SequenceCounter          int64                `json:"sequenceCounter"`
	Executions               map[int64]*Execution `json:"executions"`
	Jobs                     []Job                `json:"jobs,omitempty"`
	Incidents                []Incident           `json:"incidents,omitempty"`
}

// Root returns the root execution or nil for an instance without executions.
func (pi *ProcessInstance) Root() *Execution {
	return pi.Executions[pi.Key]
}

func (pi *ProcessInstance) Execution(key int64) (*Execution, bool) {
	ex, ok := pi.Executions[key]
	return ex, ok
}

// Children returns child executions of key in creation order.
func (pi *ProcessInstance) Children(key int64) []*Execution {
	parent, ok := pi.Executions[key]
	if !ok {
		return nil
	}
	res := make([]*Execution, 0, len(parent.ChildKeys))
	for _, ck := range parent.ChildKeys {
		if child, ok := pi.Executions[ck]; ok {
			res = append(res, child)
		}
	}
	return res
}

// NextSequence returns the next value of the per-instance ordering counter.
func (pi *ProcessInstance) NextSequence() int64 {
	pi.SequenceCounter++
	return pi.SequenceCounter
}

func (pi *ProcessInstance) FindJob(key int64) (*Job, bool) {
	for i := range pi.Jobs {
		if pi.Jobs[i].Key == key {
			return &pi.Jobs[i], true
		}
	}
	return nil, false
}

func (pi *ProcessInstance) FindIncident(key int64) (*Incident, bool) {
	for i := range pi.Incidents {
		if pi.Incidents[i].Key == key {
			return &pi.Incidents[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so a command can mutate the tree without touching
// the copy held by storage.
func (pi ProcessInstance) Clone() ProcessInstance {
	res := pi
	if pi.ParentProcessInstanceKey != nil {
		res.ParentProcessInstanceKey = ptr.To(*pi.ParentProcessInstanceKey)
	}
	if pi.EndedAt != nil {
		res.EndedAt = ptr.To(*pi.EndedAt)
	}
	res.Executions = make(map[int64]*Execution, len(pi.Executions))
	for k, ex := range pi.Executions {
		res.Executions[k] = ex.Clone()
	}
	res.Jobs = slices.Clone(pi.Jobs)
	res.Incidents = slices.Clone(pi.Incidents)
	return res
}

// Execution is one node of the execution tree. Relations are stored as keys.
type Execution struct {
	Key                int64               `json:"key"`
	ParentKey          int64               `json:"parentKey,omitempty"`
	ChildKeys          []int64             `json:"childKeys,omitempty"`
	ActivityId         string              `json:"activityId,omitempty"`
	ActivityInstanceId string              `json:"activityInstanceId,omitempty"`
	ScopeActivityId    string              `json:"scopeActivityId,omitempty"`
	ScopeInstanceId    string              `json:"scopeInstanceId,omitempty"`
	Active             bool                `json:"active"`
	Ended              bool                `json:"ended"`
	Concurrent         bool                `json:"concurrent"`
	Scope              bool                `json:"scope"`
	EventScope         bool                `json:"eventScope"`
	Sequence           int64               `json:"sequence"`
	CompensationThrow  int64               `json:"compensationThrow,omitempty"`
	Variables          map[string]any      `json:"variables,omitempty"`
	Subscriptions      []EventSubscription `json:"subscriptions,omitempty"`
}

func (ex *Execution) IsRoot() bool {
	return ex.ParentKey == 0
}

func (ex *Execution) Clone() *Execution {
	res := *ex
	res.ChildKeys = slices.Clone(ex.ChildKeys)
	res.Variables = maps.Clone(ex.Variables)
	res.Subscriptions = slices.Clone(ex.Subscriptions)
	return &res
}

const EventTypeCompensate = "compensate"

// EventSubscription is a pending event an event-scope execution waits for.
type EventSubscription struct {
	EventType         string `json:"eventType"`
	ActivityId        string `json:"activityId"`
	HandlerActivityId string `json:"handlerActivityId"`
}

type JobType string

const (
	JobTypeAsyncContinuation JobType = "async-continuation"
	JobTypeTimer             JobType = "timer"
)

type JobState int

const (
	JobStatePending JobState = iota + 1
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "PENDING"
	case JobStateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Job describes a continuation an external scheduler has to trigger.
type Job struct {
	Key                    int64     `json:"key"`
	ProcessInstanceKey     int64     `json:"processInstanceKey"`
	RootProcessInstanceKey int64     `json:"rootProcessInstanceKey"`
	ExecutionKey           int64     `json:"executionKey"`
	ActivityId             string    `json:"activityId"`
	Type                   JobType   `json:"type"`
	State                  JobState  `json:"state"`
	DueAt                  time.Time `json:"dueAt"`
	Retries                int       `json:"retries"`
	ErrorMessage           string    `json:"errorMessage,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
}

// Incident is raised when a job ran out of retries.
type Incident struct {
	Key                int64      `json:"key"`
	ProcessInstanceKey int64      `json:"processInstanceKey"`
	ExecutionKey       int64      `json:"executionKey"`
	JobKey             int64      `json:"jobKey"`
	ActivityId         string     `json:"activityId"`
	Message            string     `json:"message"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}
