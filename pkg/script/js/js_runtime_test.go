package js

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptWithVariables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime := NewJsRuntime(ctx, 1, 1)

	res, err := runtime.RunScript("amount > 100", map[string]any{"amount": 150})
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestRunScriptDoesNotLeakVariables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime := NewJsRuntime(ctx, 1, 1)

	_, err := runtime.RunScript("amount", map[string]any{"amount": 1})
	require.NoError(t, err)

	res, err := runtime.RunScript("typeof amount", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", res)
}

func TestRunScriptError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime := NewJsRuntime(ctx, 1, 1)

	_, err := runtime.RunScript("throw new Error('boom')", nil)
	assert.ErrorContains(t, err, "boom")
}
