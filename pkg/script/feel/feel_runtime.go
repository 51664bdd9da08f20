package feel

import (
	"fmt"

	"github.com/pbinitiative/feel"
	"github.com/pbinitiative/zenpvm/pkg/script"
)

// FeelRuntime evaluates expressions with the pbinitiative/feel interpreter.
// The interpreter keeps no state between calls, so no runner pool is needed.
type FeelRuntime struct{}

func NewFeelRuntime() script.FeelRuntime {
	return &FeelRuntime{}
}

func (r *FeelRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	scope := make(map[string]interface{}, len(variableContext))
	for k, v := range variableContext {
		scope[k] = v
	}
	return feel.EvalStringWithScope(expression, scope)
}

func (r *FeelRuntime) UnaryTest(expression string, variableContext map[string]any) (bool, error) {
	res, err := r.Evaluate(expression, variableContext)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, expected bool", expression, res)
	}
	return b, nil
}
