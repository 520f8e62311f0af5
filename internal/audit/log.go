package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit line enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return LogEventTo(obs.Logger(), ctx, event, fields)
}

// LogEventTo is LogEvent against an explicit logger.
func LogEventTo(l *zap.Logger, ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
		zap.Time("occurred_at", time.Now().UTC()),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		zf = append(zf, zap.String("actor_id", actor.ID), zap.String("actor_role", actor.Role))
		if actor.TenantID != "" {
			zf = append(zf, zap.String("tenant_id", actor.TenantID))
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))
	l.Info("audit", zf...)
	return nil
}
