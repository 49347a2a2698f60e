package orchestrator

import (
	"context"
	"log/slog"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store"
	"github.com/quietloop/steward/internal/telemetry"
)

// TypingFunc toggles a channel typing indicator.
type TypingFunc func(ctx context.Context, channel, chatID string, enabled bool)

// Dispatcher executes pipeline intents against the bus, the session
// store, the memory store and the telemetry sink.
type Dispatcher struct {
	router   bus.MessageRouter
	sessions store.SessionStore
	notes    *NotesCollector
	memory   MemoryStore
	metrics  telemetry.Sink
	typing   TypingFunc
}

// DispatcherOptions wires a Dispatcher. Nil fields degrade to no-ops so
// a partially wired runtime (tests, doctor) still dispatches.
type DispatcherOptions struct {
	Router   bus.MessageRouter
	Sessions store.SessionStore
	Notes    *NotesCollector
	Memory   MemoryStore
	Metrics  telemetry.Sink
	Typing   TypingFunc
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Nop{}
	}
	return &Dispatcher{
		router:   opts.Router,
		sessions: opts.Sessions,
		notes:    opts.Notes,
		memory:   opts.Memory,
		metrics:  opts.Metrics,
		typing:   opts.Typing,
	}
}

var _ core.IntentDispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) SetTyping(ctx context.Context, it core.SetTypingIntent) error {
	if d.typing != nil {
		d.typing(ctx, it.Channel, it.ChatID, it.Enabled)
	}
	return nil
}

func (d *Dispatcher) SendOutbound(_ context.Context, it core.SendOutboundIntent) error {
	if d.router == nil {
		return nil
	}
	msg := bus.OutboundMessage{
		Channel: it.Event.Channel,
		ChatID:  it.Event.ChatID,
		Content: it.Event.Content,
		ReplyTo: it.Event.ReplyTo,
	}
	for _, path := range it.Event.Media {
		msg.Media = append(msg.Media, bus.MediaAttachment{URL: path})
	}
	d.router.PublishOutbound(msg)
	return nil
}

func (d *Dispatcher) SendReaction(_ context.Context, it core.SendReactionIntent) error {
	if d.router == nil {
		return nil
	}
	d.router.PublishReaction(bus.ReactionMessage{
		Channel:   it.Event.Channel,
		ChatID:    it.Event.ChatID,
		MessageID: it.Event.MessageID,
		Emoji:     it.Event.Emoji,
	})
	return nil
}

func (d *Dispatcher) PersistSession(_ context.Context, it core.PersistSessionIntent) error {
	if d.sessions == nil {
		return nil
	}
	key := sessions.Key(it.Channel, it.ChatID)
	var turns []sessions.Turn
	if it.UserContent != "" {
		turns = append(turns, sessions.Turn{Role: "user", Content: it.UserContent})
	}
	if it.AssistantContent != "" {
		turns = append(turns, sessions.Turn{Role: "assistant", Content: it.AssistantContent})
	}
	return d.sessions.Append(key, turns...)
}

func (d *Dispatcher) QueueNotesCapture(ctx context.Context, it core.QueueNotesCaptureIntent) error {
	if d.notes == nil {
		return nil
	}
	d.notes.Enqueue(ctx, Note{
		Channel:     it.Channel,
		ChatID:      it.ChatID,
		SenderID:    it.SenderID,
		Participant: it.Participant,
		Content:     it.Content,
		Timestamp:   it.Timestamp,
	})
	return nil
}

func (d *Dispatcher) RecordManualMemory(ctx context.Context, it core.RecordManualMemoryIntent) error {
	if d.memory == nil {
		slog.Warn("manual memory dropped, no store configured", "kind", it.Kind)
		return nil
	}
	return d.memory.Record(ctx, manualEntry(it))
}

func (d *Dispatcher) RecordMetric(_ context.Context, it core.RecordMetricIntent) error {
	d.metrics.Incr(it.Name, it.Value, it.Labels)
	return nil
}
