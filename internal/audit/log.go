package audit

import (
	"context"
	"strings"
	"time"

	"rampart.dev/internal/obs"
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

// LineRecorder writes each event as a JSON audit line on the shared logger.
type LineRecorder struct{}

func (LineRecorder) Record(ctx context.Context, e Event) {
	entry := map[string]any{
		"ts":      stamp(e.OccurredAt).Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   string(e.Kind),
		"tenant":  e.Tenant,
		"success": e.Success,
	}
	if e.ID != "" {
		entry["id"] = e.ID
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	for k, v := range map[string]string{
		"user_id":    e.UserID,
		"session_id": e.SessionID,
		"role":       e.Role,
		"object":     e.Object,
		"operation":  e.Operation,
		"reason":     e.Reason,
	} {
		if v != "" {
			entry[k] = v
		}
	}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	entry["fields"] = fields
	obs.WriteJSON(entry)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
