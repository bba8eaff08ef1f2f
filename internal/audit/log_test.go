package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/obs"
	"cofradia.org/internal/stream"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("log not valid JSON: %v (%s)", err, sc.Text())
		}
		out = append(out, entry)
	}
	return out
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithSession(ctx, auth.Session{ID: "s", AccountID: "user-42", Role: "maestro"})

	if err := LogEvent(ctx, "role_updated", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	entries := lines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("expected one line, got %d", len(entries))
	}
	entry := entries[0]
	if entry["type"] != "audit" || entry["event"] != "role_updated" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["user_id"] != "user-42" {
		t.Fatalf("missing context: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}

	if err := LogEvent(ctx, "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

type stubStore struct {
	appended []auth.Activity
	err      error
	stats    auth.LoginStats
}

func (s *stubStore) AppendActivity(_ context.Context, a auth.Activity) error {
	s.appended = append(s.appended, a)
	return s.err
}

func (s *stubStore) LoginStats(context.Context, string) (auth.LoginStats, error) {
	return s.stats, nil
}

func TestRecorderPersistsLogsAndPublishes(t *testing.T) {
	buf := captureLog(t)
	store := &stubStore{}
	events := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := events.Subscribe(ctx)

	rec := NewRecorder(store, events)
	cctx := auth.ContextWithClient(ctx, auth.Client{IP: "10.0.0.7", UserAgent: "ua/1"})
	rec.Record(cctx, auth.Activity{Action: auth.ActionFailedLogin, Description: "Failed login attempt"})

	if len(store.appended) != 1 {
		t.Fatalf("appended = %d", len(store.appended))
	}
	got := store.appended[0]
	if got.IP != "10.0.0.7" || got.UserAgent != "ua/1" || got.Timestamp.IsZero() {
		t.Fatalf("client context not applied: %+v", got)
	}

	select {
	case evt := <-sub:
		if evt.Action != auth.ActionFailedLogin {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	entries := lines(t, buf)
	if len(entries) != 1 || entries[0]["event"] != "failed_login" {
		t.Fatalf("unexpected log: %v", entries)
	}
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	buf := captureLog(t)
	rec := NewRecorder(&stubStore{err: errors.New("db down")}, nil)
	rec.Record(context.Background(), auth.Activity{Action: auth.ActionLogin, UserID: "u"})

	entries := lines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected error line and audit line, got %v", entries)
	}
	if entries[0]["msg"] != "activity_append_failed" || entries[0]["level"] != "error" {
		t.Fatalf("unexpected error line %v", entries[0])
	}
}

func TestRecorderLoginStats(t *testing.T) {
	last := time.Now()
	rec := NewRecorder(&stubStore{stats: auth.LoginStats{LastLogin: &last, Count: 3}}, nil)
	stats, err := rec.LoginStats(context.Background(), "u")
	if err != nil || stats.Count != 3 {
		t.Fatalf("LoginStats = %+v, %v", stats, err)
	}
	if stats, _ := NewRecorder(nil, nil).LoginStats(context.Background(), "u"); stats.Count != 0 {
		t.Fatal("nil store should report empty stats")
	}
}
