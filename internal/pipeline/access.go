package pipeline

import (
	"context"

	"github.com/quietloop/steward/internal/core"
)

// AccessGate drops events the policy did not accept. Dropped messages
// may still feed the background notes collector when the chat's notes
// capture allows it.
type AccessGate struct {
	security InputSecurity
}

func NewAccessGate(security InputSecurity) *AccessGate {
	return &AccessGate{security: security}
}

func (*AccessGate) Name() string { return "access" }

func (m *AccessGate) Handle(ctx context.Context, pc *Context, next Next) error {
	d := pc.Decision
	if d == nil || d.AcceptMessage {
		return next(ctx)
	}
	queueNotesCapture(pc, m.security)
	pc.Metric("policy_drop_access", "channel", pc.Event.Channel, "reason", d.Reason)
	pc.Halt()
	return nil
}

// queueNotesCapture emits a notes-capture intent for a message that will
// not get a reply. Blocked senders feed notes only when the chat policy
// allows it, and text the input rules block never reaches the collector.
func queueNotesCapture(pc *Context, security InputSecurity) {
	d := pc.Decision
	if d == nil || !d.Notes.Enabled {
		return
	}
	if d.Reason == "blocked_sender" && !d.Notes.AllowBlockedSenders {
		return
	}
	ev := pc.Event
	if ev.Content == "" {
		return
	}
	if security != nil {
		result := security.CheckInput(ev.Content, map[string]any{
			"channel": ev.Channel,
			"chat_id": ev.ChatID,
			"stage":   "notes_capture",
		})
		if result.Decision.Action == core.SecurityBlock {
			pc.Metric("notes_capture_blocked", "reason", result.Decision.Reason)
			return
		}
	}
	pc.Emit(core.QueueNotesCaptureIntent{
		Channel:     ev.Channel,
		ChatID:      ev.ChatID,
		SenderID:    ev.SenderID,
		Participant: ev.Participant,
		Content:     ev.Content,
		Timestamp:   ev.Timestamp,
	})
}
