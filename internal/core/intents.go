package core

import "context"

// Intent is a deferred effect produced by a pipeline stage. The orchestrator
// executes intents in append order after the pipeline completes. The set is
// closed: every variant dispatches through IntentDispatcher, so adding one
// without extending every dispatcher fails to compile.
type Intent interface {
	Dispatch(ctx context.Context, d IntentDispatcher) error
}

// IntentDispatcher executes intents. One method per variant keeps dispatch
// exhaustive by construction.
type IntentDispatcher interface {
	SetTyping(ctx context.Context, it SetTypingIntent) error
	SendOutbound(ctx context.Context, it SendOutboundIntent) error
	SendReaction(ctx context.Context, it SendReactionIntent) error
	PersistSession(ctx context.Context, it PersistSessionIntent) error
	QueueNotesCapture(ctx context.Context, it QueueNotesCaptureIntent) error
	RecordManualMemory(ctx context.Context, it RecordManualMemoryIntent) error
	RecordMetric(ctx context.Context, it RecordMetricIntent) error
}

// SetTypingIntent toggles the typing indicator for a chat.
type SetTypingIntent struct {
	Channel string
	ChatID  string
	Enabled bool
}

func (it SetTypingIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.SetTyping(ctx, it)
}

// SendOutboundIntent delivers a reply to a channel.
type SendOutboundIntent struct {
	Event OutboundEvent
}

func (it SendOutboundIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.SendOutbound(ctx, it)
}

// SendReactionIntent attaches an emoji reaction to an inbound message.
type SendReactionIntent struct {
	Event ReactionEvent
}

func (it SendReactionIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.SendReaction(ctx, it)
}

// PersistSessionIntent appends a user/assistant turn to session history.
type PersistSessionIntent struct {
	Channel          string
	ChatID           string
	UserContent      string
	AssistantContent string
}

func (it PersistSessionIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.PersistSession(ctx, it)
}

// QueueNotesCaptureIntent hands a dropped-but-accepted message to the memory
// notes collector for batched capture.
type QueueNotesCaptureIntent struct {
	Channel     string
	ChatID      string
	SenderID    string
	Participant string
	Content     string
	Timestamp   int64
}

func (it QueueNotesCaptureIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.QueueNotesCapture(ctx, it)
}

// Manual memory kinds accepted by RecordManualMemoryIntent.
const (
	MemoryKindIdea    = "idea"
	MemoryKindBacklog = "backlog"
)

// RecordManualMemoryIntent stores an explicitly tagged idea or backlog item.
type RecordManualMemoryIntent struct {
	Kind     string // MemoryKindIdea or MemoryKindBacklog
	Content  string
	Channel  string
	ChatID   string
	SenderID string
}

func (it RecordManualMemoryIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.RecordManualMemory(ctx, it)
}

// RecordMetricIntent increments a counter on the telemetry sink.
type RecordMetricIntent struct {
	Name   string
	Labels map[string]string
	Value  float64
}

func (it RecordMetricIntent) Dispatch(ctx context.Context, d IntentDispatcher) error {
	return d.RecordMetric(ctx, it)
}

// Metric returns a RecordMetricIntent with value 1 and optional k/v label pairs.
func Metric(name string, kv ...string) RecordMetricIntent {
	it := RecordMetricIntent{Name: name, Value: 1}
	if len(kv) > 0 {
		it.Labels = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			it.Labels[kv[i]] = kv[i+1]
		}
	}
	return it
}
