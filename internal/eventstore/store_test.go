package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "dictation.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginSession(ctx, "s-1", "kitchen", "es-MX"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if _, err := es.GetSession(ctx, "s-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginSession(ctx, "s-1", "kitchen", "es-MX"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.EndSession(ctx, "s-1", "inactivity", "", 2500*time.Millisecond, 12); err != nil {
		t.Fatalf("end session: %v", err)
	}

	sess, err := es.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.DeviceID != "kitchen" || sess.Locale != "es-MX" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Reason != "inactivity" || sess.DurationMS != 2500 || sess.TranscriptChars != 12 {
		t.Fatalf("unexpected end fields %+v", sess)
	}
	if sess.EndedAt.IsZero() {
		t.Fatal("expected ended_at to be set")
	}

	events, err := es.ListSessionEvents(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventSessionStarted || events[1].Type != EventSessionEnded {
		t.Fatalf("unexpected event order %s, %s", events[0].Type, events[1].Type)
	}
}

func TestEndSessionRecordsError(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginSession(ctx, "s-err", "kitchen", "es-MX"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.EndSession(ctx, "s-err", "unavailable", "speech recognition unavailable", time.Second, 0); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "s-err", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[1].Type != EventSessionError {
		t.Fatalf("expected error event, got %+v", events)
	}
	if events[1].Detail != "speech recognition unavailable" {
		t.Fatalf("unexpected detail %q", events[1].Detail)
	}
}

func TestEndUnknownSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	err := es.EndSession(context.Background(), "missing", "cancelled", "", 0, 0)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRecentSessionsFiltersByDevice(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, dev := range []string{"kitchen", "hallway", "kitchen"} {
		at := base.Add(time.Duration(i) * time.Minute)
		es.clock = func() time.Time { return at }
		if err := es.BeginSession(ctx, dev+"-"+string(rune('a'+i)), dev, "es-MX"); err != nil {
			t.Fatalf("begin session: %v", err)
		}
	}

	sessions, err := es.RecentSessions(ctx, "kitchen", 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 kitchen sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "kitchen-c" {
		t.Fatalf("expected newest first, got %s", sessions[0].ID)
	}

	all, err := es.RecentSessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "kitchen", "es-MX"); err != nil {
		t.Fatalf("begin session: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "kitchen", "es-MX"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := es.GetSession(ctx, "old-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old events cascaded, got %d", len(events))
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
