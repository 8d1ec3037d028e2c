// Package ctxkeys defines typed context keys for request-scoped values
// shared between HTTP middleware, the workflow engine and the agent loop.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	taskIDKey       contextKey = "task_id"
	userIDKey       contextKey = "user_id"
	invokeSourceKey contextKey = "invoke_source"
)

// WithRequestID stores the per-request identifier assigned by the HTTP layer.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTaskID stores the agent task identifier for the lifetime of a task.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(taskIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithUserID stores the end-user identifier attached to a run.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithInvokeSource records what triggered a run, for example "api" or
// "debugger".
func WithInvokeSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, invokeSourceKey, source)
}

func InvokeSource(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(invokeSourceKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
