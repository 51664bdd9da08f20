package script

// FeelRuntime evaluates FEEL expressions against process variables.
type FeelRuntime interface {
	UnaryTest(expression string, variableContext map[string]any) (bool, error)
	Evaluate(expression string, variableContext map[string]any) (any, error)
}

// JsRuntime runs JavaScript snippets with process variables bound as globals.
type JsRuntime interface {
	RunScript(script string, variableContext map[string]any) (any, error)
}
