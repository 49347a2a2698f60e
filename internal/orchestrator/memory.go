package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietloop/steward/internal/core"
)

// Memory lanes. Tagged ideas land in the episodic lane, backlog items
// in the decision lane, batched chat notes in the notes lane.
const (
	LaneEpisodic = "episodic"
	LaneDecision = "decision"
	LaneNotes    = "notes"
)

// MemoryEntry is one persisted memory record.
type MemoryEntry struct {
	ID         string    `json:"id"`
	Lane       string    `json:"lane"`
	Kind       string    `json:"kind,omitempty"`
	Importance float64   `json:"importance"`
	Content    string    `json:"content"`
	Channel    string    `json:"channel,omitempty"`
	ChatID     string    `json:"chat_id,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryStore persists memory entries.
type MemoryStore interface {
	Record(ctx context.Context, entry MemoryEntry) error
}

// FileMemoryStore appends entries to a JSONL file. Append-only keeps
// the write path crash-safe; readers tolerate a torn final line.
type FileMemoryStore struct {
	mu   sync.Mutex
	path string
}

func NewFileMemoryStore(path string) *FileMemoryStore {
	return &FileMemoryStore{path: path}
}

func (s *FileMemoryStore) Record(_ context.Context, entry MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	row, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(row, '\n')); err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return nil
}

// manualEntry maps a tagged capture onto its lane and importance.
func manualEntry(it core.RecordManualMemoryIntent) MemoryEntry {
	entry := MemoryEntry{
		Lane:       LaneEpisodic,
		Kind:       it.Kind,
		Importance: 0.8,
		Content:    it.Content,
		Channel:    it.Channel,
		ChatID:     it.ChatID,
		SenderID:   it.SenderID,
	}
	if it.Kind == core.MemoryKindBacklog {
		entry.Lane = LaneDecision
		entry.Importance = 0.9
	}
	return entry
}
