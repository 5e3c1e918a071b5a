package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned by GetSession for unknown ids.
var ErrSessionNotFound = errors.New("dictation session not found")

// Session is the audit row for one dictation session. Transcript text is
// never stored; only its length.
type Session struct {
	ID              string
	DeviceID        string
	Locale          string
	StartedAt       time.Time
	EndedAt         time.Time
	Reason          string
	Error           string
	DurationMS      int64
	TranscriptChars int
}

// Event is a lifecycle entry attached to a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Detail    string
	CreatedAt time.Time
}

const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventSessionError   = "session.error"
)

// Store wraps a SQLite-backed dictation audit journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

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
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS dictation_sessions (
    session_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    locale TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    reason TEXT,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    transcript_chars INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS dictation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES dictation_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dictation_sessions_device ON dictation_sessions(device_id, started_at);
CREATE INDEX IF NOT EXISTS idx_dictation_events_session ON dictation_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

// BeginSession records a new session and its session.started event.
func (s *Store) BeginSession(ctx context.Context, sessionID, deviceID, locale string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dictation_sessions(session_id, device_id, locale, started_at) VALUES(?, ?, ?, ?)`,
		sessionID, deviceID, locale, now); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dictation_events(session_id, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, EventSessionStarted, locale, now); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// EndSession closes a session row. A non-empty errText also records a
// session.error event.
func (s *Store) EndSession(ctx context.Context, sessionID, reason, errText string, duration time.Duration, transcriptChars int) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE dictation_sessions SET ended_at = ?, reason = ?, error = ?, duration_ms = ?, transcript_chars = ?
		 WHERE session_id = ?`,
		now, reason, errText, duration.Milliseconds(), transcriptChars, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if errText != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dictation_events(session_id, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
			sessionID, EventSessionError, errText, now); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dictation_events(session_id, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, EventSessionEnded, reason, now); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, ErrSessionNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, device_id, locale, started_at, ended_at, reason, error, duration_ms, transcript_chars
		 FROM dictation_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

// RecentSessions lists the latest sessions for a device, newest first. An
// empty deviceID lists all devices.
func (s *Store) RecentSessions(ctx context.Context, deviceID string, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, device_id, locale, started_at, ended_at, reason, error, duration_ms, transcript_chars
		 FROM dictation_sessions WHERE (? = '' OR device_id = ?) ORDER BY started_at DESC LIMIT ?`,
		deviceID, deviceID, limit)
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

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, detail, created_at
		 FROM dictation_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess                  Session
		locale, reason, errTx sql.NullString
		ended                 sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.DeviceID, &locale, &sess.StartedAt, &ended, &reason, &errTx, &sess.DurationMS, &sess.TranscriptChars); err != nil {
		return Session{}, err
	}
	sess.Locale = locale.String
	sess.Reason = reason.String
	sess.Error = errTx.String
	if ended.Valid {
		sess.EndedAt = ended.Time
	}
	return sess, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM dictation_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM dictation_sessions WHERE session_id IN (
			SELECT session_id FROM dictation_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
