package pipeline

import (
	"context"

	"github.com/quietloop/steward/internal/core"
)

// InputSecurity is the rule-based input stage of the security engine.
type InputSecurity interface {
	CheckInput(text string, logCtx map[string]any) core.SecurityResult
}

// InputClassifier is the optional LLM second layer, consulted only when
// the rule stage allowed.
type InputClassifier interface {
	Classify(ctx context.Context, text string) core.SecurityDecision
}

// blockEmoji is the reaction used to acknowledge a blocked message
// without echoing anything the sender could iterate against.
const blockEmoji = "😂"

const blockFallbackText = "I can't help with that."

// InputSecurityStage screens accepted events before they reach the
// responder. Blocks surface as a reaction (or a short text reply when
// the channel gave no message id) and halt the chain.
type InputSecurityStage struct {
	security   InputSecurity
	classifier InputClassifier
}

func NewInputSecurityStage(security InputSecurity, classifier InputClassifier) *InputSecurityStage {
	return &InputSecurityStage{security: security, classifier: classifier}
}

func (*InputSecurityStage) Name() string { return "input_security" }

func (s *InputSecurityStage) Handle(ctx context.Context, pc *Context, next Next) error {
	if s.security == nil {
		return next(ctx)
	}
	ev := pc.Event

	result := s.security.CheckInput(ev.Content, map[string]any{
		"channel": ev.Channel,
		"chat_id": ev.ChatID,
		"sender":  ev.SenderID,
	})
	decision := result.Decision

	if decision.Action == core.SecurityAllow && s.classifier != nil {
		decision = s.classifier.Classify(ctx, ev.Content)
	}

	switch decision.Action {
	case core.SecurityBlock:
		pc.Metric("security_input_blocked", "channel", ev.Channel, "reason", decision.Reason)
		s.acknowledge(pc)
		pc.Halt()
		return nil
	case core.SecurityWarn:
		pc.Metric("security_input_warned", "channel", ev.Channel, "reason", decision.Reason)
	}
	return next(ctx)
}

func (s *InputSecurityStage) acknowledge(pc *Context) {
	ev := pc.Event
	if ev.MessageID != "" {
		pc.Emit(core.SendReactionIntent{Event: core.ReactionEvent{
			Channel:   ev.Channel,
			ChatID:    ev.ChatID,
			MessageID: ev.MessageID,
			Emoji:     blockEmoji,
		}})
		return
	}
	pc.Emit(core.SendOutboundIntent{Event: core.OutboundEvent{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Content: blockFallbackText,
	}})
}
