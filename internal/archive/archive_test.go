package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "reply_context.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndLookup(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	msg := Message{
		Channel:     "whatsapp",
		ChatID:      "123@g.us",
		MessageID:   "M1",
		Participant: "491700000001@s.whatsapp.net",
		SenderID:    "491700000001",
		Text:        "hello there",
		Timestamp:   1700000000000,
	}
	if err := a.Record(ctx, msg); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := a.LookupMessage(ctx, "whatsapp", "123@g.us", "M1")
	if err != nil {
		t.Fatalf("LookupMessage: %v", err)
	}
	if got == nil {
		t.Fatal("LookupMessage returned nil for archived message")
	}
	if got.Text != "hello there" || got.SenderID != "491700000001" {
		t.Errorf("got %+v, want text/sender preserved", got)
	}

	missing, err := a.LookupMessage(ctx, "whatsapp", "123@g.us", "NOPE")
	if err != nil {
		t.Fatalf("LookupMessage miss: %v", err)
	}
	if missing != nil {
		t.Errorf("LookupMessage returned %+v for unknown id, want nil", missing)
	}
}

// TestRecordFirstWriterWins verifies a second insert under the same key
// never overwrites the original row.
func TestRecordFirstWriterWins(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	first := Message{Channel: "whatsapp", ChatID: "c1", MessageID: "M1", Text: "original"}
	second := Message{Channel: "whatsapp", ChatID: "c1", MessageID: "M1", Text: "impostor"}
	if err := a.Record(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := a.Record(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := a.LookupMessage(ctx, "whatsapp", "c1", "M1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "original" {
		t.Errorf("text = %q, want first writer's %q", got.Text, "original")
	}
}

func TestRecordSkipsIncompleteKeys(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	tests := []Message{
		{Channel: "", ChatID: "c", MessageID: "m", Text: "x"},
		{Channel: "whatsapp", ChatID: "", MessageID: "m", Text: "x"},
		{Channel: "whatsapp", ChatID: "c", MessageID: "", Text: "x"},
	}
	for _, msg := range tests {
		if err := a.Record(ctx, msg); err != nil {
			t.Errorf("Record(%+v) = %v, want silent skip", msg, err)
		}
	}

	rows, err := a.LookupMessagesBefore(ctx, "whatsapp", "c", "m", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("archive contains %d rows after skipped inserts, want 0", len(rows))
	}
}

func TestLookupMessageAnyChatPrefersChat(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	if err := a.Record(ctx, Message{Channel: "whatsapp", ChatID: "other", MessageID: "M7", Text: "from other"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Record(ctx, Message{Channel: "whatsapp", ChatID: "mine", MessageID: "M7", Text: "from mine"}); err != nil {
		t.Fatal(err)
	}

	got, err := a.LookupMessageAnyChat(ctx, "whatsapp", "M7", "mine")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ChatID != "mine" {
		t.Errorf("preferred lookup returned %+v, want chat_id=mine", got)
	}

	// Without a matching preference the most recent row wins.
	got, err = a.LookupMessageAnyChat(ctx, "whatsapp", "M7", "unrelated")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("any-chat lookup returned nil")
	}
}

func TestLookupMessagesBefore(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	base := int64(1700000000000)
	for i := 0; i < 8; i++ {
		msg := Message{
			Channel:   "whatsapp",
			ChatID:    "win",
			MessageID: fmt.Sprintf("M%d", i),
			SenderID:  "alice",
			Text:      fmt.Sprintf("text %d", i),
			Timestamp: base + int64(i)*1000,
		}
		if err := a.Record(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := a.LookupMessagesBefore(ctx, "whatsapp", "win", "M5", 3)
	if err != nil {
		t.Fatalf("LookupMessagesBefore: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	// Newest first: M4, M3, M2.
	for i, wantID := range []string{"M4", "M3", "M2"} {
		if rows[i].MessageID != wantID {
			t.Errorf("rows[%d].MessageID = %q, want %q", i, rows[i].MessageID, wantID)
		}
	}

	// Unknown anchor yields an empty window.
	rows, err = a.LookupMessagesBefore(ctx, "whatsapp", "win", "UNKNOWN", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("unknown anchor returned %d rows, want 0", len(rows))
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	if err := a.Record(ctx, Message{Channel: "whatsapp", ChatID: "c", MessageID: "fresh", Text: "new"}); err != nil {
		t.Fatal(err)
	}

	// Backdate a row past the retention window.
	_, err := a.db.Exec(`
		INSERT OR IGNORE INTO inbound_messages (channel, chat_id, message_id, text, created_at)
		VALUES ('whatsapp', 'c', 'stale', 'old', '2020-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := a.PurgeOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := a.LookupMessage(ctx, "whatsapp", "c", "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("fresh row removed by purge")
	}
}
