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

	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session is a recorded dictation session.
type Session struct {
	ID        string
	Locale    string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// Event is a recorded dictation notification.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Text      string
	Final     bool
	Error     string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed dictation timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS dictation_sessions (
    session_id TEXT PRIMARY KEY,
    locale TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS dictation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    text TEXT,
    final INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES dictation_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_dictation_events_session ON dictation_events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a dictation session.
func (s *Store) BeginSession(ctx context.Context, sessionID, locale string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_sessions(session_id, locale, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET locale=excluded.locale`,
		sessionID, locale, s.now())
	return err
}

// EndSession marks a session finished with an optional reason.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE dictation_sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		s.now(), reason, sessionID)
	return err
}

// AppendEvent writes an event into the store, creating the session row if needed.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_sessions(session_id, started_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		evt.SessionID, created); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dictation_events(session_id, event_type, text, final, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Text, evt.Final, evt.Error, created)
	return err
}

// GetSession returns a recorded session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		sess           Session
		locale, reason sql.NullString
		started        string
		ended          sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, locale, started_at, ended_at, end_reason FROM dictation_sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.ID, &locale, &started, &ended, &reason)
	if err != nil {
		return Session{}, err
	}
	sess.Locale = locale.String
	sess.EndReason = reason.String
	sess.StartedAt = parseTime(started)
	if ended.Valid {
		sess.EndedAt = parseTime(ended.String)
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, text, final, error, created_at
		 FROM dictation_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e             Event
			text, errText sql.NullString
			created       string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &text, &e.Final, &errText, &created); err != nil {
			return nil, err
		}
		e.Text = text.String
		e.Error = errText.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM dictation_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
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

// Ensure reports a misconfigured ephemeral store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
