// Package persistence provides the SQLite-backed transcript store and
// session records. Rows are append-only audit data: sessions are never
// deleted and chat messages are never mutated.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrHandleInUse is returned when an environment handle is already owned
	// by another non-terminal session.
	ErrHandleInUse = errors.New("environment handle already owned by a live session")
	// ErrHandleAlreadySet is returned when a session's environment handle is
	// assigned a second time.
	ErrHandleAlreadySet = errors.New("environment handle already set")
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	EnvironmentHandle string     `json:"environmentHandle"`
	VNCHost           string     `json:"vncHost"`
	VNCPort           int        `json:"vncPort"`
	NoVNCPort         int        `json:"novncPort"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

// Environment is the provisioner output recorded against a session.
type Environment struct {
	Handle    string
	VNCHost   string
	VNCPort   int
	NoVNCPort int
}

// Message is one chat transcript entry. Seq is the insertion order and the
// only ordering key; Timestamp is informational.
type Message struct {
	Seq       int64          `json:"-"`
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Store provides persistent session and transcript state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions and chat_messages tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			environment_handle TEXT NOT NULL DEFAULT '',
			vnc_host TEXT NOT NULL DEFAULT '',
			vnc_port INTEGER NOT NULL DEFAULT 0,
			novnc_port INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			ended_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq);
	`)
	return err
}

// migrateV2 enforces that a live environment handle belongs to one session.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_handle
		ON sessions(environment_handle)
		WHERE environment_handle != '' AND status IN ('provisioning', 'active', 'ending')
	`)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertSession adds a new session record.
func (s *Store) InsertSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
			(id, status, environment_handle, vnc_host, vnc_port, novnc_port, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.EnvironmentHandle, rec.VNCHost, rec.VNCPort, rec.NoVNCPort,
		rec.Error, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHandleInUse
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SetEnvironment records the environment for a session and moves it to
// status in one statement. The handle can only be set once.
func (s *Store) SetEnvironment(ctx context.Context, sessionID string, env Environment, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		SET environment_handle = ?, vnc_host = ?, vnc_port = ?, novnc_port = ?, status = ?, updated_at = ?
		WHERE id = ? AND environment_handle = ''`,
		env.Handle, env.VNCHost, env.VNCPort, env.NoVNCPort, status, formatTime(time.Now()), sessionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHandleInUse
		}
		return fmt.Errorf("set session environment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session environment: %w", err)
	}
	if n == 0 {
		return ErrHandleAlreadySet
	}
	return nil
}

// UpdateSessionStatus moves a session to status. errText is stored when
// non-empty. ended_at is stamped on the first transition to a terminal status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status, errText string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	var err error
	if terminal {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions
			SET status = ?, error = CASE WHEN ? != '' THEN ? ELSE error END,
				updated_at = ?, ended_at = COALESCE(ended_at, ?)
			WHERE id = ?`,
			status, errText, errText, now, now, sessionID,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions
			SET status = ?, error = CASE WHEN ? != '' THEN ? ELSE error END, updated_at = ?
			WHERE id = ?`,
			status, errText, errText, now, sessionID,
		)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

const sessionColumns = `id, status, environment_handle, vnc_host, vnc_port, novnc_port, error, created_at, updated_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec                  SessionRecord
		createdAt, updatedAt string
		endedAt              sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Status, &rec.EnvironmentHandle, &rec.VNCHost, &rec.VNCPort,
		&rec.NoVNCPort, &rec.Error, &createdAt, &updatedAt, &endedAt); err != nil {
		return rec, err
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		rec.EndedAt = &t
	}
	return rec, nil
}

// GetSession retrieves a session record.
// Returns nil, nil if no session exists with the given ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// ListSessions returns session records, newest first. When statuses is
// non-empty only sessions in one of those statuses are returned.
func (s *Store) ListSessions(ctx context.Context, statuses ...string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + sessionColumns + " FROM sessions"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendMessage appends a transcript entry and returns it with its ID,
// timestamp, and sequence assigned. This is the only write path for messages.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return msg, fmt.Errorf("encode message metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_messages (id, session_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.Role, msg.Content, formatTime(msg.Timestamp), string(meta),
	)
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var (
			m        Message
			ts, meta string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil || m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// ListMessages returns the full transcript for a session in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, id, session_id, role, content, timestamp, metadata FROM chat_messages WHERE session_id = ? ORDER BY seq ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a session in insertion order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, session_id, role, content, timestamp, metadata FROM (
			SELECT * FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		sessionID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessageCount returns the number of transcript entries for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
