// Package store persists mirroring session and toolkit action history in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"DroidView/pkg/toolkit"
	"DroidView/pkg/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("not found")

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    started_at INTEGER NOT NULL,
    ended_at INTEGER DEFAULT 0,
    phase TEXT NOT NULL,
    exit_code INTEGER DEFAULT 0,
    reason TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, started_at DESC);

CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    exit_code INTEGER DEFAULT 0,
    reason TEXT DEFAULT '',
    at INTEGER NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);

CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    path TEXT DEFAULT '',
    output TEXT DEFAULT '',
    error TEXT DEFAULT '',
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_device ON actions(device_id, started_at DESC);
`

// Store is safe for concurrent use; SQLite sees a single connection.
type Store struct {
	db     *sql.DB
	dbPath string
	logger zerolog.Logger

	stmtInsertSession *sql.Stmt
	stmtUpdateSession *sql.Stmt
	stmtInsertEvent   *sql.Stmt
	stmtInsertAction  *sql.Stmt

	closeOnce sync.Once
}

// SessionRecord is one persisted mirroring session
type SessionRecord struct {
	ID        string              `json:"id"`
	DeviceID  string              `json:"deviceId"`
	Config    types.MirrorConfig  `json:"config"`
	StartedAt time.Time           `json:"startedAt"`
	EndedAt   time.Time           `json:"endedAt,omitempty"`
	Status    types.SessionStatus `json:"status"`
}

// ActionRecord is one persisted toolkit action
type ActionRecord struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	Kind       toolkit.Kind    `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Path       string          `json:"path,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Open creates or opens history.db inside dataDir
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath, logger: logger}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	logger.Debug().Str("path", dbPath).Msg("History store opened")
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.stmtInsertSession, err = s.db.Prepare(`
		INSERT OR IGNORE INTO sessions (id, device_id, config, started_at, phase)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert session: %w", err)
	}

	s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET phase = ?, exit_code = ?, reason = ?, ended_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare update session: %w", err)
	}

	s.stmtInsertEvent, err = s.db.Prepare(`
		INSERT INTO session_events (session_id, device_id, phase, exit_code, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert session event: %w", err)
	}

	s.stmtInsertAction, err = s.db.Prepare(`
		INSERT OR REPLACE INTO actions (
			id, device_id, kind, payload, path, output, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert action: %w", err)
	}
	return nil
}

func (s *Store) Path() string { return s.dbPath }

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.stmtInsertSession, s.stmtUpdateSession, s.stmtInsertEvent, s.stmtInsertAction} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

// SessionStarted inserts the session row; repeated calls for the same id are ignored
func (s *Store) SessionStarted(info types.SessionInfo) error {
	cfg, err := json.Marshal(info.Config)
	if err != nil {
		return fmt.Errorf("encode mirror config: %w", err)
	}
	_, err = s.stmtInsertSession.Exec(info.ID, info.DeviceID, string(cfg), info.StartedAt.UnixMilli(), string(info.Status.Phase))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", info.ID, err)
	}
	return nil
}

// RecordSessionEvent appends a lifecycle transition and updates the session's current phase
func (s *Store) RecordSessionEvent(ev types.SessionEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Events can arrive for sessions whose start was never recorded
	if _, err := tx.Stmt(s.stmtInsertSession).Exec(ev.SessionID, ev.DeviceID, "{}", ev.At.UnixMilli(), string(ev.Status.Phase)); err != nil {
		return fmt.Errorf("insert session %s: %w", ev.SessionID, err)
	}
	if _, err := tx.Stmt(s.stmtInsertEvent).Exec(ev.SessionID, ev.DeviceID, string(ev.Status.Phase), ev.Status.ExitCode, ev.Status.Reason, ev.At.UnixMilli()); err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	var ended int64
	if ev.Status.Phase.Terminal() {
		ended = ev.At.UnixMilli()
	}
	if _, err := tx.Stmt(s.stmtUpdateSession).Exec(string(ev.Status.Phase), ev.Status.ExitCode, ev.Status.Reason, ended, ev.SessionID); err != nil {
		return fmt.Errorf("update session %s: %w", ev.SessionID, err)
	}
	return tx.Commit()
}

// RecordAction stores an executed toolkit action
func (s *Store) RecordAction(ev toolkit.Event) error {
	payload, err := json.Marshal(ev.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	r := ev.Result
	_, err = s.stmtInsertAction.Exec(r.ID, r.DeviceID, string(r.Kind), string(payload), r.Path, r.Output, ev.Error,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert action %s: %w", r.ID, err)
	}
	return nil
}

// GetSession returns one session by id
func (s *Store) GetSession(id string) (SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, config, started_at, ended_at, phase, exit_code, reason
		FROM sessions WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListSessions returns the newest sessions first; an empty deviceID matches all devices
func (s *Store) ListSessions(deviceID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, device_id, config, started_at, ended_at, phase, exit_code, reason
		FROM sessions
		WHERE (? = '' OR device_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, deviceID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionEvents returns the transitions of one session in the order they were recorded
func (s *Store) SessionEvents(sessionID string) ([]types.SessionEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, device_id, phase, exit_code, reason, at
		FROM session_events WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []types.SessionEvent
	for rows.Next() {
		var ev types.SessionEvent
		var phase string
		var at int64
		if err := rows.Scan(&ev.SessionID, &ev.DeviceID, &phase, &ev.Status.ExitCode, &ev.Status.Reason, &at); err != nil {
			return nil, err
		}
		ev.Status.Phase = types.SessionPhase(phase)
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRecord, error) {
	var rec SessionRecord
	var cfg, phase string
	var started, ended int64
	if err := sc.Scan(&rec.ID, &rec.DeviceID, &cfg, &started, &ended, &phase, &rec.Status.ExitCode, &rec.Status.Reason); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return rec, fmt.Errorf("decode config of session %s: %w", rec.ID, err)
	}
	rec.Status.Phase = types.SessionPhase(phase)
	rec.StartedAt = time.UnixMilli(started)
	if ended > 0 {
		rec.EndedAt = time.UnixMilli(ended)
	}
	return rec, nil
}
