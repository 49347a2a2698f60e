package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store/file"
	"github.com/quietloop/steward/internal/telemetry"
)

// memStore collects entries in memory.
type memStore struct{ entries []MemoryEntry }

func (s *memStore) Record(_ context.Context, entry MemoryEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestEventFromMessageLiftsMetadata(t *testing.T) {
	msg := bus.InboundMessage{
		Channel:   "whatsapp",
		SenderID:  "111@s.whatsapp.net",
		ChatID:    "22@g.us",
		Content:   "hello @bot",
		Timestamp: 1_700_000_000_000,
		PeerKind:  "group",
		Metadata: map[string]string{
			"message_id":          "m-9",
			"participant":         "111@s.whatsapp.net",
			"mentioned_bot":       "true",
			"reply_to_message_id": "m-8",
			"reply_to_text":       "earlier",
			"is_voice":            "false",
			"group_name":          "Ops",
		},
	}
	ev := EventFromMessage(msg)

	if !ev.IsGroup || !ev.MentionedBot || ev.ReplyToBot {
		t.Errorf("flags = group:%v mentioned:%v reply_to_bot:%v", ev.IsGroup, ev.MentionedBot, ev.ReplyToBot)
	}
	if ev.MessageID != "m-9" || ev.ReplyToMessageID != "m-8" || ev.ReplyToText != "earlier" {
		t.Errorf("reply fields = %q %q %q", ev.MessageID, ev.ReplyToMessageID, ev.ReplyToText)
	}
	if ev.Meta["group_name"] != "Ops" {
		t.Errorf("meta passthrough lost group_name: %v", ev.Meta)
	}

	// PeerKind alone marks a group even without the metadata flag.
	ev = EventFromMessage(bus.InboundMessage{Channel: "whatsapp", ChatID: "1@g.us", PeerKind: "group"})
	if !ev.IsGroup {
		t.Error("PeerKind group not honored")
	}
}

func TestDispatcherManualMemoryLanes(t *testing.T) {
	store := &memStore{}
	d := NewDispatcher(DispatcherOptions{Memory: store})

	err := d.RecordManualMemory(context.Background(), core.RecordManualMemoryIntent{
		Kind: core.MemoryKindIdea, Content: "[IDEA] solar roof", Channel: "whatsapp", ChatID: "1@g.us",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = d.RecordManualMemory(context.Background(), core.RecordManualMemoryIntent{
		Kind: core.MemoryKindBacklog, Content: "[BACKLOG] fix gate", Channel: "whatsapp", ChatID: "1@g.us",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(store.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(store.entries))
	}
	idea, backlog := store.entries[0], store.entries[1]
	if idea.Lane != LaneEpisodic || idea.Importance != 0.8 {
		t.Errorf("idea lane/importance = %s/%v, want episodic/0.8", idea.Lane, idea.Importance)
	}
	if backlog.Lane != LaneDecision || backlog.Importance != 0.9 {
		t.Errorf("backlog lane/importance = %s/%v, want decision/0.9", backlog.Lane, backlog.Importance)
	}
}

func TestDispatcherRoutesBusIntents(t *testing.T) {
	b := bus.NewMessageBus(bus.Options{})
	d := NewDispatcher(DispatcherOptions{Router: b})
	ctx := context.Background()

	d.SendOutbound(ctx, core.SendOutboundIntent{Event: core.OutboundEvent{
		Channel: "whatsapp", ChatID: "1@g.us", Content: "hi", Media: []string{"/tmp/x.ogg"},
	}})
	out, ok := b.ConsumeOutbound(ctx)
	if !ok || out.Content != "hi" {
		t.Fatalf("outbound = %+v ok=%v", out, ok)
	}
	if len(out.Media) != 1 || out.Media[0].URL != "/tmp/x.ogg" {
		t.Errorf("media = %+v", out.Media)
	}

	d.SendReaction(ctx, core.SendReactionIntent{Event: core.ReactionEvent{
		Channel: "whatsapp", ChatID: "1@g.us", MessageID: "m-1", Emoji: "👍",
	}})
	re, ok := b.ConsumeReaction(ctx)
	if !ok || re.Emoji != "👍" || re.MessageID != "m-1" {
		t.Fatalf("reaction = %+v ok=%v", re, ok)
	}
}

func TestDispatcherPersistSession(t *testing.T) {
	mgr, err := sessions.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(DispatcherOptions{Sessions: file.NewFileSessionStore(mgr)})

	err = d.PersistSession(context.Background(), core.PersistSessionIntent{
		Channel: "whatsapp", ChatID: "1@g.us",
		UserContent: "hello", AssistantContent: "hi there",
	})
	if err != nil {
		t.Fatal(err)
	}

	turns := mgr.History(sessions.Key("whatsapp", "1@g.us"))
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestDispatcherRecordMetric(t *testing.T) {
	sink := telemetry.NewMemory()
	d := NewDispatcher(DispatcherOptions{Metrics: sink})

	d.RecordMetric(context.Background(), core.Metric("response_sent", "channel", "whatsapp"))
	if got := sink.Counter("response_sent", map[string]string{"channel": "whatsapp"}); got != 1 {
		t.Errorf("counter = %v, want 1", got)
	}
}

func TestNotesCollectorFlushesOnCap(t *testing.T) {
	store := &memStore{}
	c := NewNotesCollector(store, 1800, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Enqueue(ctx, Note{Channel: "whatsapp", ChatID: "1@g.us", SenderID: "u1", Content: "note"})
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries after cap = %d, want 1", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Lane != LaneNotes || entry.Channel != "whatsapp" || entry.ChatID != "1@g.us" {
		t.Errorf("entry = %+v", entry)
	}
	if !strings.Contains(entry.Content, "3 messages") {
		t.Errorf("content = %q", entry.Content)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}

	// Below the cap nothing flushes until FlushAll.
	c.Enqueue(ctx, Note{Channel: "telegram", ChatID: "42", Content: "later"})
	if len(store.entries) != 1 {
		t.Fatalf("early flush: entries = %d", len(store.entries))
	}
	c.FlushAll(ctx)
	if len(store.entries) != 2 {
		t.Fatalf("entries after FlushAll = %d, want 2", len(store.entries))
	}
}

func TestFileMemoryStoreAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	store := NewFileMemoryStore(path)

	for i := 0; i < 2; i++ {
		if err := store.Record(context.Background(), MemoryEntry{Lane: LaneEpisodic, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data := string(raw)
	if got := strings.Count(data, "\n"); got != 2 {
		t.Errorf("lines = %d, want 2", got)
	}
	if !strings.Contains(data, `"lane":"episodic"`) {
		t.Errorf("content = %q", data)
	}
}
