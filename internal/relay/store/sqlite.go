// Package store persists sessions and integrity events in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/proctorlink/proctorlink/internal/domain"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	video_path TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '{}',
	timestamp  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);
`

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertSession registers a session, keeping the earliest creation time.
func (s *Store) UpsertSession(ctx context.Context, sid domain.SessionID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET name = excluded.name`,
		string(sid), name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) SetVideoPath(ctx context.Context, sid domain.SessionID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET video_path = ? WHERE session_id = ?`, path, string(sid))
	if err != nil {
		return fmt.Errorf("set video path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) Session(ctx context.Context, sid domain.SessionID) (name, videoPath string, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, video_path FROM sessions WHERE session_id = ?`, string(sid))
	if err = row.Scan(&name, &videoPath); err != nil {
		return "", "", err
	}
	return name, videoPath, nil
}

func (s *Store) InsertEvent(ctx context.Context, ev domain.IntegrityEvent) error {
	detail := "{}"
	if ev.Detail != nil {
		raw, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(raw)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, role, name, type, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.SessionID), string(ev.Role), ev.Name, string(ev.Type), detail, ts.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsBySession returns the session's events ordered oldest first.
func (s *Store) EventsBySession(ctx context.Context, sid domain.SessionID) ([]domain.IntegrityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, name, type, detail, timestamp
		FROM events WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, string(sid))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.IntegrityEvent
	for rows.Next() {
		var ev domain.IntegrityEvent
		var detail string
		if err := rows.Scan(&ev.SessionID, &ev.Role, &ev.Name, &ev.Type, &detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
