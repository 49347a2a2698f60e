// Package archive stores inbound messages for reply-context lookup.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// DefaultRetentionDays bounds how long archived messages are kept.
	DefaultRetentionDays = 30

	purgeInterval = time.Hour
)

// Message is one archived inbound message. Timestamp is epoch millis
// from the channel, 0 when the channel supplied none.
type Message struct {
	Channel     string
	ChatID      string
	MessageID   string
	Participant string
	SenderID    string
	Text        string
	Timestamp   int64
	CreatedAt   string
}

// Archive is a SQLite-backed message archive keyed by
// channel/chat/message id. Safe for concurrent use.
type Archive struct {
	db            *sql.DB
	retentionDays int

	mu        sync.Mutex
	lastPurge time.Time
}

// Open opens (creating if necessary) the archive database at dbPath.
func Open(dbPath string, retentionDays int) (*Archive, error) {
	if retentionDays < 1 {
		retentionDays = DefaultRetentionDays
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// Single writer connection keeps modernc's driver out of
	// SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)

	a := &Archive{db: db, retentionDays: retentionDays}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := a.db.Exec(pragma); err != nil {
			return fmt.Errorf("archive pragma: %w", err)
		}
	}

	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_messages (
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			participant TEXT,
			sender_id TEXT,
			text TEXT NOT NULL,
			timestamp INTEGER,
			created_at TEXT NOT NULL,
			PRIMARY KEY (channel, chat_id, message_id)
		)`)
	if err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}

	_, err = a.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_inbound_messages_chat_created
		ON inbound_messages (channel, chat_id, created_at)`)
	if err != nil {
		return fmt.Errorf("create archive index: %w", err)
	}
	return nil
}

// Record archives one inbound message if it has not been seen yet.
// Rows missing channel, chat or message id are skipped silently; a
// duplicate key never overwrites the first writer.
func (a *Archive) Record(ctx context.Context, msg Message) error {
	if msg.Channel == "" || msg.ChatID == "" || msg.MessageID == "" {
		return nil
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	var ts sql.NullInt64
	if msg.Timestamp != 0 {
		ts = sql.NullInt64{Int64: msg.Timestamp, Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbound_messages (
			channel, chat_id, message_id, participant, sender_id, text, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Channel, msg.ChatID, msg.MessageID,
		nullable(msg.Participant), nullable(msg.SenderID),
		msg.Text, ts, createdAt,
	)
	if err != nil {
		return fmt.Errorf("archive record: %w", err)
	}

	a.maybePurge(ctx)
	return nil
}

// LookupMessage finds an archived message by unique key.
func (a *Archive) LookupMessage(ctx context.Context, channel, chatID, messageID string) (*Message, error) {
	if channel == "" || chatID == "" || messageID == "" {
		return nil, nil
	}
	row := a.db.QueryRowContext(ctx, `
		SELECT channel, chat_id, message_id, participant, sender_id, text, timestamp, created_at
		FROM inbound_messages
		WHERE channel = ? AND chat_id = ? AND message_id = ?
		LIMIT 1`,
		channel, chatID, messageID)
	return scanMessage(row)
}

// LookupMessageAnyChat finds a message by id within a channel,
// preferring preferredChatID when the id appears in several chats.
func (a *Archive) LookupMessageAnyChat(ctx context.Context, channel, messageID, preferredChatID string) (*Message, error) {
	if channel == "" || messageID == "" {
		return nil, nil
	}
	row := a.db.QueryRowContext(ctx, `
		SELECT channel, chat_id, message_id, participant, sender_id, text, timestamp, created_at
		FROM inbound_messages
		WHERE channel = ? AND message_id = ?
		ORDER BY
			CASE WHEN chat_id = ? THEN 0 ELSE 1 END,
			created_at DESC
		LIMIT 1`,
		channel, messageID, preferredChatID)
	return scanMessage(row)
}

// LookupMessagesBefore returns up to limit messages preceding the
// anchor message in the same chat, newest first. Ordering uses the
// channel timestamp when the anchor has one, created_at otherwise.
func (a *Archive) LookupMessagesBefore(ctx context.Context, channel, chatID, anchorMessageID string, limit int) ([]Message, error) {
	if channel == "" || chatID == "" || anchorMessageID == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 1
	}

	var anchorTS sql.NullInt64
	var anchorCreatedAt string
	err := a.db.QueryRowContext(ctx, `
		SELECT timestamp, created_at
		FROM inbound_messages
		WHERE channel = ? AND chat_id = ? AND message_id = ?
		LIMIT 1`,
		channel, chatID, anchorMessageID).Scan(&anchorTS, &anchorCreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive anchor lookup: %w", err)
	}

	var rows *sql.Rows
	if anchorTS.Valid {
		rows, err = a.db.QueryContext(ctx, `
			SELECT channel, chat_id, message_id, participant, sender_id, text, timestamp, created_at
			FROM inbound_messages
			WHERE channel = ? AND chat_id = ?
			  AND (
				timestamp < ?
				OR (timestamp = ? AND created_at < ?)
			  )
			ORDER BY timestamp DESC, created_at DESC
			LIMIT ?`,
			channel, chatID, anchorTS.Int64, anchorTS.Int64, anchorCreatedAt, limit)
	} else {
		rows, err = a.db.QueryContext(ctx, `
			SELECT channel, chat_id, message_id, participant, sender_id, text, timestamp, created_at
			FROM inbound_messages
			WHERE channel = ? AND chat_id = ? AND created_at < ?
			ORDER BY created_at DESC
			LIMIT ?`,
			channel, chatID, anchorCreatedAt, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("archive window lookup: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes rows past the retention window and reports
// how many were removed.
func (a *Archive) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		days = 1
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339Nano)
	res, err := a.db.ExecContext(ctx, "DELETE FROM inbound_messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive purge: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// maybePurge runs retention at most once per hour, piggybacked on
// writes so idle archives do no work.
func (a *Archive) maybePurge(ctx context.Context) {
	a.mu.Lock()
	if time.Since(a.lastPurge) < purgeInterval {
		a.mu.Unlock()
		return
	}
	a.lastPurge = time.Now()
	a.mu.Unlock()

	deleted, err := a.PurgeOlderThan(ctx, a.retentionDays)
	if err != nil {
		slog.Warn("archive purge failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("archive retention purge", "rows", deleted, "days", a.retentionDays)
	}
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*Message, error) {
	msg, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var msg Message
	var participant, senderID sql.NullString
	var ts sql.NullInt64
	err := row.Scan(&msg.Channel, &msg.ChatID, &msg.MessageID,
		&participant, &senderID, &msg.Text, &ts, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.Participant = participant.String
	msg.SenderID = senderID.String
	msg.Timestamp = ts.Int64
	return &msg, nil
}
