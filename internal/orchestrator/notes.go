package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Note is one dropped-but-accepted message queued for batched capture.
type Note struct {
	Channel     string `json:"channel"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id,omitempty"`
	Participant string `json:"participant,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// NotesCollector buffers queued notes and flushes them as one memory
// entry per chat when the batch interval elapses or a chat's buffer
// reaches the message cap. Batch bounds come from the notes policy.
type NotesCollector struct {
	store    MemoryStore
	interval time.Duration
	maxBatch int

	mu      sync.Mutex
	pending map[string][]Note // keyed channel:chat_id
}

func NewNotesCollector(store MemoryStore, intervalSeconds, maxMessages int) *NotesCollector {
	if intervalSeconds < 1 {
		intervalSeconds = 1800
	}
	if maxMessages < 1 {
		maxMessages = 100
	}
	return &NotesCollector{
		store:    store,
		interval: time.Duration(intervalSeconds) * time.Second,
		maxBatch: maxMessages,
		pending:  make(map[string][]Note),
	}
}

// Enqueue buffers a note, flushing its chat immediately when the buffer
// hits the batch cap.
func (c *NotesCollector) Enqueue(ctx context.Context, note Note) {
	key := note.Channel + ":" + note.ChatID

	c.mu.Lock()
	c.pending[key] = append(c.pending[key], note)
	var full []Note
	if len(c.pending[key]) >= c.maxBatch {
		full = c.pending[key]
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if full != nil {
		c.flushBatch(ctx, key, full)
	}
}

// Run flushes all buffered chats on the batch interval until ctx is
// cancelled, then drains one final time.
func (c *NotesCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.FlushAll(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			c.FlushAll(ctx)
		}
	}
}

// FlushAll drains every buffered chat.
func (c *NotesCollector) FlushAll(ctx context.Context) {
	c.mu.Lock()
	batches := c.pending
	c.pending = make(map[string][]Note)
	c.mu.Unlock()

	for key, notes := range batches {
		c.flushBatch(ctx, key, notes)
	}
}

// Pending reports the number of buffered notes across all chats.
func (c *NotesCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, notes := range c.pending {
		total += len(notes)
	}
	return total
}

func (c *NotesCollector) flushBatch(ctx context.Context, key string, notes []Note) {
	if len(notes) == 0 || c.store == nil {
		return
	}
	channel, chatID, _ := strings.Cut(key, ":")

	var b strings.Builder
	fmt.Fprintf(&b, "Chat notes for %s (%d messages):\n", key, len(notes))
	for _, n := range notes {
		who := n.Participant
		if who == "" {
			who = n.SenderID
		}
		fmt.Fprintf(&b, "- %s: %s\n", who, n.Content)
	}

	entry := MemoryEntry{
		Lane:       LaneNotes,
		Importance: 0.3,
		Content:    strings.TrimRight(b.String(), "\n"),
		Channel:    channel,
		ChatID:     chatID,
	}
	if err := c.store.Record(ctx, entry); err != nil {
		slog.Warn("notes batch flush failed", "chat", key, "count", len(notes), "error", err)
		return
	}
	slog.Debug("notes batch flushed", "chat", key, "count", len(notes))
}
