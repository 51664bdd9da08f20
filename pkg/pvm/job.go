// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"slices"
	"time"

	"github.com/pbinitiative/zenpvm/pkg/ptr"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

func (c *commandContext) createJob(ex *runtime.Execution, act *Activity, jobType runtime.JobType, dueAt time.Time) runtime.Job {
	job := runtime.Job{
		Key:                    c.generateKey(),
		ProcessInstanceKey:     c.instance.Key,
		RootProcessInstanceKey: c.instance.RootProcessInstanceKey,
		ExecutionKey:           ex.Key,
		ActivityId:             act.id,
		Type:                   jobType,
		State:                  runtime.JobStatePending,
		DueAt:                  dueAt,
		Retries:                c.engine.jobRetries,
		CreatedAt:              c.now,
	}
	c.instance.Jobs = append(c.instance.Jobs, job)
	c.engine.metrics.JobsCreated.Add(c.ctx, 1)
	return job
}

// deleteJobs drops all jobs of an execution and resolves their incidents.
func (c *commandContext) deleteJobs(executionKey int64) {
	c.instance.Jobs = slices.DeleteFunc(c.instance.Jobs, func(j runtime.Job) bool {
		if j.ExecutionKey != executionKey {
			return false
		}
		c.resolveIncidentsOfJob(j.Key)
		return true
	})
}

func (c *commandContext) removeJob(jobKey int64) {
	c.instance.Jobs = slices.DeleteFunc(c.instance.Jobs, func(j runtime.Job) bool {
		return j.Key == jobKey
	})
}

func (c *commandContext) resolveIncidentsOfJob(jobKey int64) {
	for i := range c.instance.Incidents {
		incident := &c.instance.Incidents[i]
		if incident.JobKey == jobKey && incident.ResolvedAt == nil {
			incident.ResolvedAt = ptr.To(c.now)
		}
	}
}

// pendingContinuation reports whether ex is parked behind an async
// continuation job.
func (c *commandContext) pendingContinuation(ex *runtime.Execution) bool {
	for _, j := range c.instance.Jobs {
		if j.ExecutionKey == ex.Key && j.Type == runtime.JobTypeAsyncContinuation {
			return true
		}
	}
	return false
}

// executeJob runs the continuation described by job. The job is consumed
// whether or not its execution still exists.
func (c *commandContext) executeJob(jobKey int64) error {
	job, found := c.instance.FindJob(jobKey)
	if !found {
		return newEngineErrorf("job %d not found in process instance %d", jobKey, c.instance.Key)
	}
	if job.State != runtime.JobStatePending {
		return newEngineErrorf("job %d of process instance %d is in state %s", jobKey, c.instance.Key, job.State)
	}
	j := *job
	c.removeJob(jobKey)
	c.engine.metrics.JobsCompleted.Add(c.ctx, 1)

	ex := c.exec(j.ExecutionKey)
	if ex == nil || !c.alive(ex) {
		c.engine.logger.Debug("dropping job of removed execution", "jobKey", j.Key, "executionKey", j.ExecutionKey)
		return nil
	}
	act := c.activity(ex)
	if act == nil || act.id != j.ActivityId {
		return &MigrationStateError{ExecutionKey: ex.Key, ActivityId: j.ActivityId, DefinitionId: c.definition.id}
	}
	switch j.Type {
	case runtime.JobTypeAsyncContinuation:
		ex.Active = true
		c.perform(func() error {
			return c.startActivity(ex, act, true)
		})
		return nil
	case runtime.JobTypeTimer:
		return c.signal(ex, SignalTimer, nil)
	}
	return newEngineErrorf("unknown job type %s of job %d", j.Type, j.Key)
}

// failJob records a failed attempt. Once no retries are left the job stops
// being due and an incident is raised.
func (c *commandContext) failJob(jobKey int64, cause error) error {
	job, found := c.instance.FindJob(jobKey)
	if !found {
		return newEngineErrorf("job %d not found in process instance %d", jobKey, c.instance.Key)
	}
	if job.State != runtime.JobStatePending {
		return newEngineErrorf("job %d of process instance %d is in state %s", jobKey, c.instance.Key, job.State)
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	job.Retries--
	job.ErrorMessage = message
	c.engine.metrics.JobsFailed.Add(c.ctx, 1)
	if job.Retries > 0 {
		return nil
	}
	job.Retries = 0
	job.State = runtime.JobStateFailed
	c.instance.Incidents = append(c.instance.Incidents, runtime.Incident{
		Key:                c.generateKey(),
		ProcessInstanceKey: c.instance.Key,
		ExecutionKey:       job.ExecutionKey,
		JobKey:             job.Key,
		ActivityId:         job.ActivityId,
		Message:            message,
		CreatedAt:          c.now,
	})
	c.engine.metrics.IncidentsRaised.Add(c.ctx, 1)
	return nil
}

func (c *commandContext) resolveIncident(incidentKey int64, retries int) error {
	incident, found := c.instance.FindIncident(incidentKey)
	if !found {
		return newEngineErrorf("incident %d not found in process instance %d", incidentKey, c.instance.Key)
	}
	if incident.ResolvedAt != nil {
		return nil
	}
	incident.ResolvedAt = ptr.To(c.now)
	if retries < 1 {
		retries = 1
	}
	if job, ok := c.instance.FindJob(incident.JobKey); ok {
		job.State = runtime.JobStatePending
		job.Retries = retries
		job.DueAt = c.now
	}
	return nil
}
