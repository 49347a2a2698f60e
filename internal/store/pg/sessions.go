package pg

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store"
)

// PGSessionStore implements store.SessionStore on Postgres, one row
// per turn. History is read per inbound message, so no in-process
// cache sits in front of the database.
type PGSessionStore struct {
	db *sql.DB
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

func (s *PGSessionStore) History(key string) []sessions.Turn {
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM session_turns
		 WHERE session_key = $1 ORDER BY id`, key)
	if err != nil {
		slog.Warn("session history query failed", "key", key, "error", err)
		return nil
	}
	defer rows.Close()

	var turns []sessions.Turn
	for rows.Next() {
		var t sessions.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns
}

func (s *PGSessionStore) Append(key string, turns ...sessions.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (key, created_at, updated_at) VALUES ($1, $2, $2)
		 ON CONFLICT (key) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		key, now); err != nil {
		return err
	}
	for _, t := range turns {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.Exec(
			`INSERT INTO session_turns (session_key, role, content, created_at)
			 VALUES ($1, $2, $3, $4)`,
			key, t.Role, t.Content, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGSessionStore) Clear(key string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM session_turns WHERE session_key = $1`, key)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = now() WHERE key = $1`, key); err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (s *PGSessionStore) Close() error { return s.db.Close() }

var _ store.SessionStore = (*PGSessionStore)(nil)
