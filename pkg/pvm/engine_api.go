// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package pvm

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"maps"

	otelPkg "github.com/pbinitiative/zenpvm/pkg/otel"
	"github.com/pbinitiative/zenpvm/pkg/ptr"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Deploy registers a built definition under the next version of its id.
// Deploying a document identical to the latest version returns that version.
func (engine *Engine) Deploy(ctx context.Context, definition *ProcessDefinition) (*ProcessDefinition, error) {
	if definition.deployed() {
		return nil, newEngineErrorf("process definition %s is already deployed with key %d", definition.id, definition.key)
	}
	var checksum [16]byte
	if len(definition.source) > 0 {
		checksum = md5.Sum(definition.source)
	}

	version := int32(1)
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, definition.id)
	switch {
	case err == nil:
		if len(definition.source) > 0 && latest.Checksum == checksum {
			engine.logger.Debug("process definition unchanged, reusing latest version", "processId", definition.id, "key", latest.Key)
			return engine.definitions.get(ctx, engine.persistence, latest.Key)
		}
		version = latest.Version + 1
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.Join(newEngineErrorf("failed to find latest process definition %s", definition.id), err)
	}

	definition.key = engine.generateKey()
	definition.version = version
	stored := runtime.ProcessDefinition{
		Key:          definition.key,
		Id:           definition.id,
		Name:         definition.name,
		Version:      version,
		ResourceName: definition.resourceName,
		Source:       definition.source,
		Checksum:     checksum,
		DeployedAt:   engine.clock(),
	}
	if err := engine.persistence.SaveProcessDefinition(ctx, stored); err != nil {
		definition.key = 0
		definition.version = 0
		return nil, errors.Join(newEngineErrorf("failed to save process definition %s", definition.id), err)
	}
	engine.definitions.add(definition)
	engine.logger.Info("process definition deployed", "processId", definition.id, "key", definition.key, "version", version)
	return definition, nil
}

type startOptions struct {
	businessKey string
	parentKey   *int64
}

type StartOption func(*startOptions)

func WithBusinessKey(businessKey string) StartOption {
	return func(o *startOptions) {
		o.businessKey = businessKey
	}
}

// WithParentProcessInstance links the new instance into the hierarchy of
// parentKey, jobs of the whole hierarchy share the root key.
func WithParentProcessInstance(parentKey int64) StartOption {
	return func(o *startOptions) {
		o.parentKey = &parentKey
	}
}

// StartProcessInstanceById starts the latest version of the process with given id.
func (engine *Engine) StartProcessInstanceById(ctx context.Context, processId string, variables map[string]any, options ...StartOption) (*runtime.ProcessInstance, error) {
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no process with id=%s was found (prior deployed into the engine)", processId), err)
	}
	return engine.StartProcessInstance(ctx, latest.Key, variables, options...)
}

// StartProcessInstance creates the root execution and runs it until every
// execution reached a wait state or ended.
func (engine *Engine) StartProcessInstance(ctx context.Context, definitionKey int64, variables map[string]any, options ...StartOption) (result *runtime.ProcessInstance, retErr error) {
	opts := startOptions{}
	for _, option := range options {
		option(&opts)
	}
	definition, err := engine.definitions.get(ctx, engine.persistence, definitionKey)
	if err != nil {
		return nil, err
	}

	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("start-instance:%s", definition.id), trace.WithAttributes(
		attribute.String(otelPkg.AttributeProcessId, definition.id),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definition.key),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if definition.initial == nil {
		return nil, newEngineErrorf("process definition %s has no initial activity", definition.id)
	}

	key := engine.generateKey()
	instance := runtime.ProcessInstance{
		Key:                    key,
		DefinitionKey:          definition.key,
		DefinitionId:           definition.id,
		BusinessKey:            opts.businessKey,
		RootProcessInstanceKey: key,
		State:                  runtime.ProcessInstanceActive,
		CreatedAt:              engine.clock(),
		Executions:             map[int64]*runtime.Execution{},
	}
	if opts.parentKey != nil {
		parent, err := engine.persistence.FindProcessInstanceByKey(ctx, *opts.parentKey)
		if err != nil {
			return nil, errors.Join(newEngineErrorf("failed to find parent process instance with key: %d", *opts.parentKey), err)
		}
		instance.ParentProcessInstanceKey = ptr.To(parent.Key)
		instance.RootProcessInstanceKey = parent.RootProcessInstanceKey
	}
	span.SetAttributes(attribute.Int64(otelPkg.AttributeProcessInstanceKey, key))

	c := newCommandContext(ctx, engine, definition, &instance)
	err = c.execute(func(c *commandContext) error {
		root := &runtime.Execution{
			Key:       key,
			Scope:     true,
			Active:    true,
			Sequence:  instance.NextSequence(),
			Variables: maps.Clone(variables),
		}
		instance.Executions[root.Key] = root
		if err := c.fireProcessListeners(root, EventStart); err != nil {
			return err
		}
		return c.enterActivity(root, definition.initial)
	})
	if err != nil {
		return nil, err
	}
	engine.metrics.ProcessesStarted.Add(ctx, 1)
	engine.metrics.ProcessesRunning.Add(ctx, 1)
	return engine.save(ctx, &instance)
}

// Signal resumes the waiting execution executionKey.
func (engine *Engine) Signal(ctx context.Context, processInstanceKey int64, executionKey int64, signalName string, data any) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, fmt.Sprintf("signal:%s", signalName), processInstanceKey, func(c *commandContext) error {
		trace.SpanFromContext(c.ctx).SetAttributes(
			attribute.Int64(otelPkg.AttributeExecutionKey, executionKey),
			attribute.String(otelPkg.AttributeSignalName, signalName),
		)
		if c.instance.State != runtime.ProcessInstanceActive {
			return &IllegalExecutionStateError{ExecutionKey: executionKey, Msg: "process instance is " + c.instance.State.String()}
		}
		ex := c.exec(executionKey)
		if ex == nil {
			return &IllegalExecutionStateError{ExecutionKey: executionKey, Msg: "execution does not exist"}
		}
		return c.signal(ex, signalName, data)
	})
}

// ExecuteJob runs a due async continuation or timer.
func (engine *Engine) ExecuteJob(ctx context.Context, jobKey int64) (*runtime.ProcessInstance, error) {
	job, err := engine.persistence.FindJobByKey(ctx, jobKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find job with key: %d", jobKey), err)
	}
	return engine.runCommand(ctx, fmt.Sprintf("job:%s", job.Type), job.ProcessInstanceKey, func(c *commandContext) error {
		trace.SpanFromContext(c.ctx).SetAttributes(attribute.Int64(otelPkg.AttributeJobKey, jobKey))
		return c.executeJob(jobKey)
	})
}

// FailJob records a failed job attempt, see runtime.Job.Retries.
func (engine *Engine) FailJob(ctx context.Context, jobKey int64, cause error) (*runtime.ProcessInstance, error) {
	job, err := engine.persistence.FindJobByKey(ctx, jobKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find job with key: %d", jobKey), err)
	}
	return engine.runCommand(ctx, fmt.Sprintf("fail-job:%s", job.Type), job.ProcessInstanceKey, func(c *commandContext) error {
		trace.SpanFromContext(c.ctx).SetAttributes(attribute.Int64(otelPkg.AttributeJobKey, jobKey))
		return c.failJob(jobKey, cause)
	})
}

// ResolveIncident resolves the incident and makes its job due again with retries attempts.
func (engine *Engine) ResolveIncident(ctx context.Context, processInstanceKey int64, incidentKey int64, retries int) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, fmt.Sprintf("incident:%d", incidentKey), processInstanceKey, func(c *commandContext) error {
		return c.resolveIncident(incidentKey, retries)
	})
}

// CancelProcessInstance terminates the instance. Cancelling an instance that
// already ended does nothing.
func (engine *Engine) CancelProcessInstance(ctx context.Context, processInstanceKey int64) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, "cancel-instance", processInstanceKey, func(c *commandContext) error {
		return c.cancelProcessInstance()
	})
}

// CancelExecution cancels one execution with everything below it.
func (engine *Engine) CancelExecution(ctx context.Context, processInstanceKey int64, executionKey int64) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, "cancel-execution", processInstanceKey, func(c *commandContext) error {
		if c.instance.State != runtime.ProcessInstanceActive {
			return nil
		}
		ex := c.exec(executionKey)
		if ex == nil || ex.Ended {
			return nil
		}
		return c.cancelExecution(ex)
	})
}

// SetVariables sets variables on execution executionKey, the root execution
// when executionKey is 0. Unless local is set variables already defined on
// an enclosing execution are updated there.
func (engine *Engine) SetVariables(ctx context.Context, processInstanceKey int64, executionKey int64, variables map[string]any, local bool) (*runtime.ProcessInstance, error) {
	return engine.runCommand(ctx, "set-variables", processInstanceKey, func(c *commandContext) error {
		if executionKey == 0 {
			executionKey = c.instance.Key
		}
		ex := c.exec(executionKey)
		if ex == nil {
			return &IllegalExecutionStateError{ExecutionKey: executionKey, Msg: "execution does not exist"}
		}
		for name, value := range variables {
			if local {
				setLocal(ex, name, value)
				continue
			}
			c.setVariable(ex, name, value)
		}
		return nil
	})
}

// FindProcessInstance searches for a given processInstanceKey
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
}

func (engine *Engine) FindProcessDefinition(ctx context.Context, definitionKey int64) (*ProcessDefinition, error) {
	return engine.definitions.get(ctx, engine.persistence, definitionKey)
}

func (engine *Engine) FindLatestProcessDefinitionById(ctx context.Context, processId string) (*ProcessDefinition, error) {
	latest, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no process with id=%s was found", processId), err)
	}
	return engine.definitions.get(ctx, engine.persistence, latest.Key)
}
