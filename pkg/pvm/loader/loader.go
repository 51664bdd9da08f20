// Package loader turns YAML definition documents into process definitions.
package loader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/model"
	"github.com/pbinitiative/zenpvm/pkg/pvm/runtime"
	"github.com/pbinitiative/zenpvm/pkg/script"
)

const jsPrefix = "js:"

// Loader builds definitions, resolving behavior names through a Registry and
// transition conditions through the expression runtimes.
type Loader struct {
	registry Registry
	feel     script.FeelRuntime
	js       script.JsRuntime
}

func New(registry Registry, feelRuntime script.FeelRuntime, jsRuntime script.JsRuntime) *Loader {
	return &Loader{
		registry: registry,
		feel:     feelRuntime,
		js:       jsRuntime,
	}
}

// LoadBytes parses and builds a document. The document is kept as the
// definition source, so engines can rebuild it later with Parser.
func (l *Loader) LoadBytes(resourceName string, source []byte) (*pvm.ProcessDefinition, error) {
	definition, err := model.Parse(source)
	if err != nil {
		return nil, err
	}
	return l.Load(definition, resourceName, source)
}

// Parser returns the function engines use to rebuild stored definitions.
func (l *Loader) Parser() pvm.DefinitionParser {
	return func(stored runtime.ProcessDefinition) (*pvm.ProcessDefinition, error) {
		return l.LoadBytes(stored.ResourceName, stored.Source)
	}
}

func (l *Loader) Load(definition *model.Definition, resourceName string, source []byte) (*pvm.ProcessDefinition, error) {
	builder := pvm.NewProcessDefinitionBuilder(definition.Id).
		ResourceName(resourceName).
		Source(source)
	if definition.Name != "" {
		builder.Name(definition.Name)
	}
	var errJoin error
	for i := range definition.Activities {
		errJoin = errors.Join(errJoin, l.addActivity(builder, &definition.Activities[i]))
	}
	if errJoin != nil {
		return nil, errJoin
	}
	return builder.Build()
}

func (l *Loader) addActivity(builder *pvm.ProcessDefinitionBuilder, activity *model.Activity) error {
	var errJoin error
	builder.CreateActivity(activity.Id)
	if activity.Initial {
		builder.Initial()
	}
	factory, ok := l.registry[activity.Behavior]
	if !ok {
		errJoin = errors.Join(errJoin, fmt.Errorf("activity %s uses unknown behavior %s", activity.Id, activity.Behavior))
	} else {
		behavior, err := factory(*activity)
		if err != nil {
			errJoin = errors.Join(errJoin, fmt.Errorf("activity %s: %w", activity.Id, err))
		} else {
			builder.Behavior(behavior)
		}
	}
	if activity.Scope {
		builder.Scope()
	}
	if activity.Async {
		builder.Async()
	}
	if activity.ForCompensation {
		builder.ForCompensation()
	}
	if activity.CompensationHandler != "" {
		builder.CompensationHandler(activity.CompensationHandler)
	}
	for name, value := range activity.Properties {
		builder.Property(name, value)
	}
	for _, t := range activity.Transitions {
		builder.Transition(t.To, t.Id)
		if strings.TrimSpace(t.Condition) == "" {
			continue
		}
		condition, err := l.compileCondition(t.Condition)
		if err != nil {
			errJoin = errors.Join(errJoin, fmt.Errorf("transition %s of activity %s: %w", t.Id, activity.Id, err))
			continue
		}
		builder.Condition(condition)
	}
	for _, f := range activity.Faults {
		builder.FaultTransition(f.Code, f.To, f.Id)
	}
	for i := range activity.Activities {
		errJoin = errors.Join(errJoin, l.addActivity(builder, &activity.Activities[i]))
	}
	builder.EndActivity()
	return errJoin
}

// compileCondition understands "= <feel>", "js: <script>" and literal booleans.
func (l *Loader) compileCondition(expression string) (pvm.Condition, error) {
	expression = strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(expression, "="):
		if l.feel == nil {
			return nil, errors.New("no FEEL runtime configured")
		}
		feelExpression := strings.TrimSpace(strings.TrimPrefix(expression, "="))
		return pvm.ConditionFunc(func(ex *pvm.Execution) (bool, error) {
			return l.feel.UnaryTest(feelExpression, ex.Variables())
		}), nil
	case strings.HasPrefix(expression, jsPrefix):
		if l.js == nil {
			return nil, errors.New("no JavaScript runtime configured")
		}
		jsExpression := strings.TrimSpace(strings.TrimPrefix(expression, jsPrefix))
		return pvm.ConditionFunc(func(ex *pvm.Execution) (bool, error) {
			res, err := l.js.RunScript(jsExpression, ex.Variables())
			if err != nil {
				return false, err
			}
			b, ok := res.(bool)
			if !ok {
				return false, fmt.Errorf("script %q returned %T, expected bool", jsExpression, res)
			}
			return b, nil
		}), nil
	}
	value, err := strconv.ParseBool(expression)
	if err != nil {
		return nil, fmt.Errorf("condition %q is neither an expression nor a boolean", expression)
	}
	return pvm.ConditionFunc(func(ex *pvm.Execution) (bool, error) {
		return value, nil
	}), nil
}
