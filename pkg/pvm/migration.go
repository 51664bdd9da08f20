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
	"slices"

	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
)

// MigrationPlan moves instances from one definition version to another.
// Instructions map source activity ids to target activity ids. Activities
// without instruction keep their id.
type MigrationPlan struct {
	SourceDefinitionKey int64
	TargetDefinitionKey int64
	Instructions        map[string]string
	// SkipValidation applies the plan even when validators reject it.
	// Executions left at activities missing in the target fail with
	// MigrationStateError once they are resumed.
	SkipValidation bool
}

// MigrationContext is what MigrationValidator implementations check.
type MigrationContext struct {
	Plan     MigrationPlan
	Source   *ProcessDefinition
	Target   *ProcessDefinition
	Instance *runtime.ProcessInstance
}

// TargetActivityId returns the id sourceActivityId is migrated to.
func (mc *MigrationContext) TargetActivityId(sourceActivityId string) string {
	if target, ok := mc.Plan.Instructions[sourceActivityId]; ok {
		return target
	}
	return sourceActivityId
}

type MigrationValidator interface {
	Validate(mc *MigrationContext) error
}

type MigrationValidatorFunc func(mc *MigrationContext) error

func (f MigrationValidatorFunc) Validate(mc *MigrationContext) error {
	return f(mc)
}

// MigrationValidationError collects every violation of a migration plan.
type MigrationValidationError struct {
	ProcessInstanceKey int64
	Err                error
}

func (e *MigrationValidationError) Error() string {
	return fmt.Sprintf("migration of process instance %d is not valid: %s", e.ProcessInstanceKey, e.Err)
}

func (e *MigrationValidationError) Unwrap() error {
	return e.Err
}

// DefaultMigrationValidators are used when MigrateProcessInstance gets none.
func DefaultMigrationValidators() []MigrationValidator {
	return []MigrationValidator{
		MigrationValidatorFunc(validateActivitiesMapped),
		MigrationValidatorFunc(validateScopesPreserved),
	}
}

// validateActivitiesMapped requires every activity referenced by an execution
// to exist in the target definition. Event scopes are exempt, the ones whose
// activity is gone are removed by the migration.
func validateActivitiesMapped(mc *MigrationContext) error {
	var errJoin error
	for _, ex := range mc.Instance.Executions {
		if ex.EventScope {
			continue
		}
		for _, id := range []string{ex.ActivityId, ex.ScopeActivityId} {
			if id == "" {
				continue
			}
			if mc.Target.FindActivity(mc.TargetActivityId(id)) == nil {
				errJoin = errors.Join(errJoin, &MigrationStateError{ExecutionKey: ex.Key, ActivityId: id, DefinitionId: mc.Target.id})
			}
		}
	}
	return errJoin
}

// validateScopesPreserved requires migrated activities to keep their scope
// flag and to stay in the migrated flow scope.
func validateScopesPreserved(mc *MigrationContext) error {
	var errJoin error
	for _, ex := range mc.Instance.Executions {
		if ex.ActivityId == "" || ex.EventScope {
			continue
		}
		source := mc.Source.FindActivity(ex.ActivityId)
		target := mc.Target.FindActivity(mc.TargetActivityId(ex.ActivityId))
		if source == nil || target == nil {
			continue
		}
		if source.scope != target.scope {
			errJoin = errors.Join(errJoin, fmt.Errorf("activity %s changes its scope flag when migrated to %s", source.id, target.id))
		}
		sourceParent, targetParent := "", ""
		if source.parent != nil {
			sourceParent = mc.TargetActivityId(source.parent.id)
		}
		if target.parent != nil {
			targetParent = target.parent.id
		}
		if sourceParent != targetParent {
			errJoin = errors.Join(errJoin, fmt.Errorf("activity %s moves from flow scope %q to %q", source.id, sourceParent, targetParent))
		}
	}
	return errJoin
}

// MigrateProcessInstance moves a process instance to the target definition of
// plan. The execution tree keeps its shape, only activity references change.
func (engine *Engine) MigrateProcessInstance(ctx context.Context, plan MigrationPlan, processInstanceKey int64, validators ...MigrationValidator) (*runtime.ProcessInstance, error) {
	target, err := engine.definitions.get(ctx, engine.persistence, plan.TargetDefinitionKey)
	if err != nil {
		return nil, err
	}
	if len(validators) == 0 {
		validators = DefaultMigrationValidators()
	}
	return engine.runCommand(ctx, fmt.Sprintf("migrate:%s", target.id), processInstanceKey, func(c *commandContext) error {
		if c.instance.DefinitionKey != plan.SourceDefinitionKey {
			return newEngineErrorf("process instance %d runs definition %d, migration plan expects %d",
				c.instance.Key, c.instance.DefinitionKey, plan.SourceDefinitionKey)
		}
		mc := &MigrationContext{
			Plan:     plan,
			Source:   c.definition,
			Target:   target,
			Instance: c.instance,
		}
		if !plan.SkipValidation {
			var errJoin error
			for _, v := range validators {
				errJoin = errors.Join(errJoin, v.Validate(mc))
			}
			if errJoin != nil {
				return &MigrationValidationError{ProcessInstanceKey: c.instance.Key, Err: errJoin}
			}
		}
		c.applyMigration(mc)
		engine.logger.Info("process instance migrated", "processInstanceKey", c.instance.Key,
			"sourceDefinitionKey", plan.SourceDefinitionKey, "targetDefinitionKey", plan.TargetDefinitionKey)
		return nil
	})
}

func (c *commandContext) applyMigration(mc *MigrationContext) {
	keys := make([]int64, 0, len(c.instance.Executions))
	for key := range c.instance.Executions {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		ex, ok := c.instance.Executions[key]
		if !ok {
			continue
		}
		if ex.EventScope && mc.Target.FindActivity(mc.TargetActivityId(ex.ActivityId)) == nil {
			// event scopes of activities missing in the target lose their compensation
			c.removeSubtree(ex)
			continue
		}
		if ex.ActivityId != "" {
			ex.ActivityId = mc.TargetActivityId(ex.ActivityId)
		}
		if ex.ScopeActivityId != "" {
			ex.ScopeActivityId = mc.TargetActivityId(ex.ScopeActivityId)
		}
		for i := range ex.Subscriptions {
			ex.Subscriptions[i].ActivityId = mc.TargetActivityId(ex.Subscriptions[i].ActivityId)
			if act := mc.Target.FindActivity(ex.Subscriptions[i].ActivityId); act != nil && act.compensationHandler != nil {
				ex.Subscriptions[i].HandlerActivityId = act.compensationHandler.id
			}
		}
	}
	c.instance.Jobs = slices.DeleteFunc(c.instance.Jobs, func(j runtime.Job) bool {
		return mc.Target.FindActivity(mc.TargetActivityId(j.ActivityId)) == nil
	})
	for i := range c.instance.Jobs {
		c.instance.Jobs[i].ActivityId = mc.TargetActivityId(c.instance.Jobs[i].ActivityId)
	}
	c.instance.DefinitionKey = mc.Target.key
	c.instance.DefinitionId = mc.Target.id
	c.definition = mc.Target
}
