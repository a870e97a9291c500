package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	cfg.Driver = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "history.db")
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s, err := Open(context.Background(), config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if s.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := s.RecordSession(context.Background(), Session{ID: "x", Status: StatusOK}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, _, err := s.GetSession(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	s := openTemp(t, config.HistoryConfig{RetentionMode: "session"})
	ctx := context.Background()

	sess := Session{ID: "session-123", Source: "api", ContainerType: "audio/webm", DurationMS: 2000, Transcript: "hello world", Status: StatusOK}
	if err := s.RecordSession(ctx, sess); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: sess.ID, Type: EventTranscript, Payload: []byte("hello world")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	sess.Refined = "Hello, world."
	if err := s.RecordSession(ctx, sess); err != nil {
		t.Fatalf("update session: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: sess.ID, Type: EventRefined, Payload: []byte("Hello, world.")}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	got, events, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Refined != "Hello, world." || got.ContainerType != "audio/webm" || got.DurationMS != 2000 {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(events) != 2 || events[0].Type != EventTranscript || events[1].Type != EventRefined {
		t.Fatalf("unexpected events %+v", events)
	}

	if _, _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTemp(t, config.HistoryConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Minute)
		if err := s.RecordSession(ctx, Session{ID: id, Status: StatusOK, CreatedAt: created}); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := s.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("unexpected order %+v", sessions)
	}
	sessions, err = s.ListSessions(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Fatalf("unexpected page %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openTemp(t, config.HistoryConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordSession(ctx, Session{ID: "old-session", Status: StatusOK}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventTranscript}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordSession(ctx, Session{ID: "new-session", Status: StatusOK}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, _, err := s.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: "postgres"}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind %q", got)
	}
	s.dialect = "sqlite"
	if s.rebind("a = ?") != "a = ?" {
		t.Fatal("sqlite queries must not be rewritten")
	}
}
