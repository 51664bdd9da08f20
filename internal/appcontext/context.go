package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	ProcessInstanceKey EXECUTION_CONTEXT = "processInstanceKey"
	WorkerId           EXECUTION_CONTEXT = "workerId"
)

// WithProcessInstanceKey marks ctx as belonging to a command on the given instance.
func WithProcessInstanceKey(ctx context.Context, processInstanceKey int64) context.Context {
	return context.WithValue(ctx, ProcessInstanceKey, processInstanceKey)
}

func ProcessInstanceKeyFromContext(ctx context.Context) (int64, bool) {
	key, ok := ctx.Value(ProcessInstanceKey).(int64)
	return key, ok
}

// WithWorkerId marks ctx as running on the job executor worker with the given id.
func WithWorkerId(ctx context.Context, workerId string) context.Context {
	return context.WithValue(ctx, WorkerId, workerId)
}

func WorkerIdFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(WorkerId).(string)
	return id, ok
}
