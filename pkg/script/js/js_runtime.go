package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenpvm/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) RunScript(script string, variableContext map[string]any) (any, error) {
	var runner = r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).runScript(script, variableContext)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	r := JsRunner{vm: goja.New()}
	return &r
}

// runScript binds variables as globals for the duration of one script, the vm
// is reused by the next caller.
func (r *JsRunner) runScript(script string, variableContext map[string]any) (any, error) {
	for name, value := range variableContext {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", name, err)
		}
	}
	defer func() {
		for name := range variableContext {
			r.vm.GlobalObject().Delete(name)
		}
	}()
	resp, err := r.vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("error running script \"%s\" : %v", script, err)
	}
	return resp.Export(), nil
}
