package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"ontour.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event is a security-relevant occurrence worth keeping a trace of.
type Event struct {
	Kind           string
	UserID         string
	OrganizationID string
	Detail         map[string]any
}

// Entry is an Event stamped for storage.
type Entry struct {
	ID         string
	OccurredAt time.Time
	RequestID  string
	Event
}

// Sink receives audit events. Record is fire-and-forget: implementations must not block the
// caller for long and must never report failure back to it.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes every event as a JSON line through the shared logger.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, ev Event) {
	_ = LogEvent(ctx, ev)
}

// LogEvent writes an audit log entry enriched with the request id.
func LogEvent(ctx context.Context, ev Event) error {
	kind := strings.TrimSpace(ev.Kind)
	if kind == "" {
		return ErrMissingKind
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": kind,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if ev.UserID != "" {
		entry["user_id"] = ev.UserID
	}
	if ev.OrganizationID != "" {
		entry["organization_id"] = ev.OrganizationID
	}
	fields := make(map[string]any, len(ev.Detail))
	for k, v := range ev.Detail {
		fields[k] = v
	}
	entry["fields"] = fields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
