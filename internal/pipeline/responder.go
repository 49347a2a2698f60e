package pipeline

import (
	"context"

	"github.com/quietloop/steward/internal/core"
)

// ReplyGenerator produces the assistant reply for an accepted event.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, event *core.InboundEvent, decision *core.PolicyDecision) (string, error)
}

// TypingNotifier toggles a channel typing indicator synchronously,
// while the model is still generating. When absent the stage falls back
// to SetTyping intents, which only fire after the pipeline completes.
type TypingNotifier interface {
	SetTyping(ctx context.Context, channel, chatID string, enabled bool)
}

// ResponderStage generates the reply and stores it on the context for
// the outbound stage. The typing indicator is cleared on every exit
// path, including generation errors.
type ResponderStage struct {
	generator ReplyGenerator
	typing    TypingNotifier
}

func NewResponderStage(generator ReplyGenerator, typing TypingNotifier) *ResponderStage {
	return &ResponderStage{generator: generator, typing: typing}
}

func (*ResponderStage) Name() string { return "responder" }

func (m *ResponderStage) Handle(ctx context.Context, pc *Context, next Next) error {
	if pc.Decision == nil || m.generator == nil {
		return next(ctx)
	}
	ev := pc.Event

	if ev.Channel == "whatsapp" {
		m.setTyping(ctx, pc, true)
		defer m.setTyping(ctx, pc, false)
	}

	reply, err := m.generator.GenerateReply(ctx, ev, pc.Decision)
	if err != nil {
		return err
	}
	if reply == "" {
		pc.Metric("responder_empty", "channel", ev.Channel)
		pc.Halt()
		return nil
	}
	pc.Reply = reply
	return next(ctx)
}

func (m *ResponderStage) setTyping(ctx context.Context, pc *Context, enabled bool) {
	ev := pc.Event
	if m.typing != nil {
		m.typing.SetTyping(ctx, ev.Channel, ev.ChatID, enabled)
		return
	}
	pc.Emit(core.SetTypingIntent{Channel: ev.Channel, ChatID: ev.ChatID, Enabled: enabled})
}
