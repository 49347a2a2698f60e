// Package store defines the persistence boundary for conversation
// transcripts and hosts its file and Postgres backends.
package store

import "github.com/quietloop/steward/internal/sessions"

// SessionStore persists per-conversation transcripts keyed by
// sessions.Key values. Implementations must be safe for concurrent use.
type SessionStore interface {
	// History returns the persisted turns for a session, oldest first.
	History(key string) []sessions.Turn
	// Append adds turns to the end of a session's transcript, creating
	// the session on first write.
	Append(key string, turns ...sessions.Turn) error
	// Clear drops a session's transcript and reports how many turns
	// were removed.
	Clear(key string) (int, error)
	// Close releases backend resources.
	Close() error
}
