package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

// contextFields context 中携带的日志字段
type contextFields struct {
	sessionID string
	traceID   string
}

// WithSessionID 在 context 中附加 session_id 字段
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	fields := fieldsValue(ctx)
	fields.sessionID = sessionID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithTraceID 在 context 中附加 trace_id 字段
func WithTraceID(ctx context.Context, traceID string) context.Context {
	fields := fieldsValue(ctx)
	fields.traceID = traceID
	return context.WithValue(ctx, contextKey{}, fields)
}

func fieldsValue(ctx context.Context) contextFields {
	if v, ok := ctx.Value(contextKey{}).(contextFields); ok {
		return v
	}
	return contextFields{}
}

// fieldsFromContext 提取 context 中的日志字段
func fieldsFromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	v, ok := ctx.Value(contextKey{}).(contextFields)
	if !ok {
		return nil
	}

	fields := make([]zap.Field, 0, 2)
	if v.sessionID != "" {
		fields = append(fields, zap.String("session_id", v.sessionID))
	}
	if v.traceID != "" {
		fields = append(fields, zap.String("trace_id", v.traceID))
	}
	return fields
}
