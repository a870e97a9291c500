package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusOK       = "ok"
	StatusNoSpeech = "no_speech"
	StatusError    = "error"
)

// Event types.
const (
	EventTranscript  = "transcript"
	EventRefined     = "refined"
	EventRefineError = "refine_error"
	EventError       = "error"
)

// Session is one dictation as remembered by the store.
type Session struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	ContainerType string    `json:"container_type,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Transcript    string    `json:"transcript,omitempty"`
	Refined       string    `json:"refined,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is a timeline entry attached to a session.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists dictation history in SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect string
	cfg     config.HistoryConfig
	log     *slog.Logger
	clock   func() time.Time
}

// Open initializes the store according to config. Ephemeral retention keeps
// nothing and opens no database.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, dialect: cfg.Driver, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.pool = pool
		s.db = stdlib.OpenDBFromPool(pool)
	case "sqlite", "":
		s.dialect = "sqlite"
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s.db = db
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}

	if err := s.db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping %s: %w", s.dialect, err)
	}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	idColumn, blob := "INTEGER PRIMARY KEY AUTOINCREMENT", "BLOB"
	if s.dialect == "postgres" {
		idColumn, blob = "BIGSERIAL PRIMARY KEY", "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    container_type TEXT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    transcript TEXT,
    refined TEXT,
    status TEXT NOT NULL,
    error TEXT,
    created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS events (
    id ` + idColumn + `,
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    payload ` + blob + `,
    created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Enabled reports whether anything is persisted.
func (s *Store) Enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// RecordSession inserts or updates a session row.
func (s *Store) RecordSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions(session_id, source, container_type, duration_ms, transcript, refined, status, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   duration_ms=excluded.duration_ms, transcript=excluded.transcript, refined=excluded.refined,
		   status=excluded.status, error=excluded.error`),
		sess.ID, sess.Source, sess.ContainerType, sess.DurationMS, sess.Transcript, sess.Refined, sess.Status, sess.Error, sess.CreatedAt.UnixMilli())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`),
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT session_id, source, container_type, duration_ms, transcript, refined, status, error, created_at
		 FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns a session and its events in order.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, []Event, error) {
	if !s.Enabled() {
		return Session{}, nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_id, source, container_type, duration_ms, transcript, refined, status, error, created_at
		 FROM sessions WHERE session_id = ?`), sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, nil, ErrNotFound
	}
	if err != nil {
		return Session{}, nil, err
	}
	events, err := s.ListSessionEvents(ctx, sessionID, 0)
	if err != nil {
		return Session{}, nil, err
	}
	return sess, events, nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE created_at < ?`), cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE created_at < ?`), cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		query := `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`
		if s.dialect == "postgres" {
			query = `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC OFFSET ?
		)`
		}
		if _, err = tx.ExecContext(ctx, s.rebind(query), s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var source, container, transcript, refined, errText sql.NullString
	var created int64
	if err := row.Scan(&sess.ID, &source, &container, &sess.DurationMS, &transcript, &refined, &sess.Status, &errText, &created); err != nil {
		return Session{}, err
	}
	sess.Source = source.String
	sess.ContainerType = container.String
	sess.Transcript = transcript.String
	sess.Refined = refined.String
	sess.Error = errText.String
	sess.CreatedAt = time.UnixMilli(created).UTC()
	return sess, nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
