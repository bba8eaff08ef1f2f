// Package audit records account activity: it persists each event, writes the
// audit log line and feeds the live activity stream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/ids"
	"cofradia.org/internal/obs"
	"cofradia.org/internal/stream"
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

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Store persists activity rows and answers login history queries.
type Store interface {
	AppendActivity(ctx context.Context, a auth.Activity) error
	LoginStats(ctx context.Context, userID string) (auth.LoginStats, error)
}

// Recorder is the activity log used by the auth managers.
type Recorder struct {
	store  Store
	stream *stream.Stream
}

var (
	_ auth.ActivityRecorder = (*Recorder)(nil)
	_ auth.StatsReader      = (*Recorder)(nil)
)

// NewRecorder builds a recorder. store and events may be nil.
func NewRecorder(store Store, events *stream.Stream) *Recorder {
	return &Recorder{store: store, stream: events}
}

// Record fills in the client address from ctx, appends the row, logs the
// audit line and publishes the event. Failures are logged, not returned.
func (r *Recorder) Record(ctx context.Context, a auth.Activity) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	client := auth.ClientFromContext(ctx)
	if a.IP == "" {
		a.IP = client.IP
	}
	if a.UserAgent == "" {
		a.UserAgent = client.UserAgent
	}

	if r.store != nil {
		if err := r.store.AppendActivity(ctx, a); err != nil {
			obs.LogEntry("error", "activity_append_failed", map[string]any{
				"action":     a.Action,
				"error":      err.Error(),
				"request_id": requestIDFromContext(ctx),
			})
		}
	}

	fields := map[string]any{"action": a.Action, "ip": a.IP}
	if a.UserID != "" {
		fields["subject_id"] = a.UserID
	}
	if a.Description != "" {
		fields["description"] = a.Description
	}
	_ = LogEvent(ctx, a.Action, fields)

	if r.stream != nil {
		r.stream.Publish(stream.FromActivity(a))
	}
}

// LoginStats reports last login and login count for the profile view.
func (r *Recorder) LoginStats(ctx context.Context, userID string) (auth.LoginStats, error) {
	if r.store == nil {
		return auth.LoginStats{}, nil
	}
	return r.store.LoginStats(ctx, userID)
}
