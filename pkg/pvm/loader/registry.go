package loader

import (
	"fmt"

	"github.com/pbinitiative/zenpvm/pkg/pvm"
	"github.com/pbinitiative/zenpvm/pkg/pvm/behavior"
	"github.com/pbinitiative/zenpvm/pkg/pvm/model"
)

// BehaviorFactory creates the behavior of one activity from its document.
type BehaviorFactory func(activity model.Activity) (pvm.ActivityBehavior, error)

// Registry maps behavior names used in documents to factories.
type Registry map[string]BehaviorFactory

// DefaultRegistry knows the behaviors of pkg/pvm/behavior.
func DefaultRegistry() Registry {
	return Registry{
		"automatic":         constant(behavior.Automatic{}),
		"end":               constant(behavior.End{}),
		"wait":              constant(behavior.WaitState{}),
		"parallel-gateway":  constant(behavior.ParallelGateway{}),
		"exclusive-gateway": constant(behavior.ExclusiveGateway{}),
		"inclusive-gateway": constant(behavior.InclusiveGateway{}),
		"sub-process":       constant(behavior.EmbeddedSubProcess{}),
		"while":             newWhile,
		"timer":             newTimer,
		"compensate": func(activity model.Activity) (pvm.ActivityBehavior, error) {
			return behavior.CompensationThrow{ActivityId: stringProperty(activity, "activity")}, nil
		},
		"fault": func(activity model.Activity) (pvm.ActivityBehavior, error) {
			code := stringProperty(activity, "code")
			if code == "" {
				return nil, fmt.Errorf("fault behavior needs property code")
			}
			return behavior.ThrowFault{Code: code, Message: stringProperty(activity, "message")}, nil
		},
	}
}

// With returns a copy of r with an additional behavior.
func (r Registry) With(name string, factory BehaviorFactory) Registry {
	res := make(Registry, len(r)+1)
	for k, v := range r {
		res[k] = v
	}
	res[name] = factory
	return res
}

func constant(b pvm.ActivityBehavior) BehaviorFactory {
	return func(model.Activity) (pvm.ActivityBehavior, error) {
		return b, nil
	}
}

func newWhile(activity model.Activity) (pvm.ActivityBehavior, error) {
	variable := stringProperty(activity, "variable")
	if variable == "" {
		return nil, fmt.Errorf("while behavior needs property variable")
	}
	from, err := intProperty(activity, "from")
	if err != nil {
		return nil, err
	}
	to, err := intProperty(activity, "to")
	if err != nil {
		return nil, err
	}
	return behavior.While{Variable: variable, From: from, To: to}, nil
}

func newTimer(activity model.Activity) (pvm.ActivityBehavior, error) {
	timer := behavior.Timer{
		Duration: stringProperty(activity, "duration"),
		Cron:     stringProperty(activity, "cron"),
	}
	if (timer.Duration == "") == (timer.Cron == "") {
		return nil, fmt.Errorf("timer behavior needs exactly one of the properties duration and cron")
	}
	return timer, nil
}

func stringProperty(activity model.Activity, name string) string {
	v, ok := activity.Properties[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intProperty(activity model.Activity, name string) (int64, error) {
	v, ok := activity.Properties[name]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("property %s must be a number, got %T", name, v)
}
