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
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenpvm/internal/appcontext"
	otelPkg "github.com/pbinitiative/zenpvm/pkg/otel"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/storage"
	"github.com/pbinitiative/zenpvm/pkg/storage/inmemory"
	"github.com/pbinitiative/zenpvm/pkg/zenflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultJobRetries          = 3
	DefaultDefinitionCacheSize = 200
	DefaultDefinitionCacheTTL  = 24 * time.Hour
)

// Engine interprets process definitions. Every public operation is one
// command: it loads one process instance, changes a private copy of its
// execution tree and saves it back in a single storage batch.
type Engine struct {
	name        string
	persistence storage.Storage
	snowflake   *snowflake.Node
	definitions *definitionCache
	logger      hclog.Logger
	tracer      trace.Tracer
	metrics     *otelPkg.EngineMetrics
	clock       func() time.Time
	jobRetries  int
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the process virtual machine
func NewEngine(options ...EngineOption) *Engine {
	node := zenflake.GlobalNode()
	engine := Engine{
		name:        fmt.Sprintf("PVM-Engine-%d", node.Generate().Int64()),
		persistence: inmemory.NewStorage(),
		snowflake:   node,
		definitions: newDefinitionCache(DefaultDefinitionCacheSize, DefaultDefinitionCacheTTL),
		logger:      hclog.Default().Named("pvm-engine"),
		tracer:      otel.GetTracerProvider().Tracer("pvm-engine"),
		metrics:     otelPkg.NewNoopMetrics(),
		clock:       time.Now,
		jobRetries:  DefaultJobRetries,
	}

	for _, option := range options {
		option(&engine)
	}

	return &engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}

func EngineWithMetrics(metrics *otelPkg.EngineMetrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

// EngineWithClock replaces time.Now, used for timers and timestamps.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

func EngineWithKeyGenerator(node *snowflake.Node) EngineOption {
	return func(engine *Engine) {
		engine.snowflake = node
	}
}

func EngineWithJobRetries(retries int) EngineOption {
	return func(engine *Engine) {
		if retries > 0 {
			engine.jobRetries = retries
		}
	}
}

func EngineWithDefinitionCache(size int, ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		parser := engine.definitions.parser
		engine.definitions = newDefinitionCache(size, ttl)
		engine.definitions.parser = parser
	}
}

// EngineWithDefinitionParser sets the function rebuilding definitions that
// were deployed from a document, for example after a restart.
func EngineWithDefinitionParser(parser DefinitionParser) EngineOption {
	return func(engine *Engine) {
		engine.definitions.parser = parser
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// runCommand loads the process instance, runs fn against a private copy of it
// and stores the result. Nothing is stored when fn or any operation it queued
// fails.
func (engine *Engine) runCommand(ctx context.Context, spanName string, processInstanceKey int64, fn func(c *commandContext) error) (result *runtime.ProcessInstance, retErr error) {
	ctx = appcontext.WithProcessInstanceKey(ctx, processInstanceKey)
	ctx, span := engine.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	stored, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find process instance with key: %d", processInstanceKey), err)
	}
	definition, err := engine.definitions.get(ctx, engine.persistence, stored.DefinitionKey)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String(otelPkg.AttributeProcessId, definition.id),
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definition.key),
	)

	instance := stored.Clone()
	c := newCommandContext(ctx, engine, definition, &instance)
	if err := c.execute(fn); err != nil {
		return nil, err
	}
	return engine.save(ctx, c.instance)
}

func (engine *Engine) save(ctx context.Context, instance *runtime.ProcessInstance) (*runtime.ProcessInstance, error) {
	batch := engine.persistence.NewBatch()
	err := batch.SaveProcessInstance(ctx, *instance)
	if err == nil {
		err = batch.Flush(ctx)
	}
	if err != nil {
		if storage.IsOptimisticLockError(err) {
			engine.metrics.OptimisticLockConflicts.Add(ctx, 1)
			engine.logger.Debug("optimistic lock conflict", "processInstanceKey", instance.Key, "revision", instance.Revision)
			return nil, err
		}
		return nil, fmt.Errorf("failed to save process instance %d: %w", instance.Key, err)
	}
	instance.Revision++
	return instance, nil
}
