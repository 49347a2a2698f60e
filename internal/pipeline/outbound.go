package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/quietloop/steward/internal/core"
)

// OutputSecurity is the output stage of the security engine.
type OutputSecurity interface {
	CheckOutput(text string, logCtx map[string]any) core.SecurityResult
}

var (
	// A reply that is nothing but a reaction marker becomes an emoji
	// reaction instead of a message.
	fullReactionPattern = regexp.MustCompile(`(?s)^\s*::reaction::(\S+)\s*$`)
	// A trailing marker on a mixed reply still sends the reaction but
	// must never leak into the message text.
	suffixReactionPattern = regexp.MustCompile(`\s*::reaction::(\S+)\s*$`)
)

const outputBlockedText = "I had a response ready but it was withheld by a safety check."

// Outbound is the terminal stage. It turns the generated reply into
// deliverable intents: reaction short-circuit, output security, system
// channel re-routing, group threading, optional voice synthesis, and
// finally the send plus session persistence.
type Outbound struct {
	security OutputSecurity
	voice    *VoiceSender
	alerter  *OwnerAlerter
}

func NewOutbound(security OutputSecurity, voice *VoiceSender, alerter *OwnerAlerter) *Outbound {
	return &Outbound{security: security, voice: voice, alerter: alerter}
}

func (*Outbound) Name() string { return "outbound" }

func (m *Outbound) Handle(ctx context.Context, pc *Context, next Next) error {
	if pc.Reply == "" {
		return next(ctx)
	}
	ev := pc.Event
	reply := pc.Reply

	if match := fullReactionPattern.FindStringSubmatch(reply); match != nil {
		m.sendReaction(pc, match[1])
		m.persistTurn(pc, fmt.Sprintf("[reacted with %s]", match[1]))
		return next(ctx)
	}
	if match := suffixReactionPattern.FindStringSubmatch(reply); match != nil {
		// Mixed reply: the reaction rides along, the text continues below.
		m.sendReaction(pc, match[1])
		reply = strings.TrimSpace(suffixReactionPattern.ReplaceAllString(reply, ""))
		if reply == "" {
			return next(ctx)
		}
	}

	reply = m.screenOutput(pc, reply)

	outChannel, outChat := deliveryTarget(ev)
	replyTo := threadingTarget(ev, pc.Decision)

	out := core.OutboundEvent{
		Channel: outChannel,
		ChatID:  outChat,
		Content: reply,
		ReplyTo: replyTo,
	}
	// Voice notes are WhatsApp-only; every other channel delivers text
	// no matter what the policy's voice mode asks for.
	if pc.Decision != nil && outChannel == "whatsapp" && wantsVoice(pc.Decision.Voice, ev) {
		if path, reason := m.voice.Synthesize(ctx, outChannel, reply, pc.Decision.Voice); path != "" {
			out.Content = ""
			out.Media = []string{path}
		} else {
			pc.Metric("voice_fallback", "channel", outChannel, "reason", reason)
			m.alerter.Alert(pc, outChannel, outChat, reason)
		}
	}

	pc.Emit(core.SendOutboundIntent{Event: out})
	m.persistTurn(pc, reply)
	pc.Metric("response_sent", "channel", outChannel)
	return next(ctx)
}

func (m *Outbound) sendReaction(pc *Context, emoji string) {
	ev := pc.Event
	if ev.MessageID == "" {
		// Nothing to attach the reaction to; deliver it as text.
		pc.Emit(core.SendOutboundIntent{Event: core.OutboundEvent{
			Channel: ev.Channel,
			ChatID:  ev.ChatID,
			Content: emoji,
		}})
	} else {
		pc.Emit(core.SendReactionIntent{Event: core.ReactionEvent{
			Channel:   ev.Channel,
			ChatID:    ev.ChatID,
			MessageID: ev.MessageID,
			Emoji:     emoji,
		}})
	}
	pc.Metric("reaction_sent", "channel", ev.Channel)
}

func (m *Outbound) screenOutput(pc *Context, reply string) string {
	if m.security == nil {
		return reply
	}
	ev := pc.Event
	result := m.security.CheckOutput(reply, map[string]any{
		"channel": ev.Channel,
		"chat_id": ev.ChatID,
	})
	switch result.Decision.Action {
	case core.SecuritySanitize:
		pc.Metric("security_output_sanitized", "channel", ev.Channel, "reason", result.Decision.Reason)
		if result.SanitizedText != "" {
			return result.SanitizedText
		}
		return reply
	case core.SecurityBlock:
		pc.Metric("security_output_blocked", "channel", ev.Channel, "reason", result.Decision.Reason)
		return outputBlockedText
	default:
		return reply
	}
}

func (m *Outbound) persistTurn(pc *Context, assistant string) {
	channel, chatID := pc.Event.SessionTarget()
	pc.Emit(core.PersistSessionIntent{
		Channel:          channel,
		ChatID:           chatID,
		UserContent:      pc.Event.Content,
		AssistantContent: assistant,
	})
}

// deliveryTarget resolves where the reply goes. Scheduler traffic on
// the system channel packs the real destination into the chat id.
func deliveryTarget(ev *core.InboundEvent) (channel, chatID string) {
	if ev.Channel != core.ChannelSystem {
		return ev.Channel, ev.ChatID
	}
	ch, rest, found := strings.Cut(ev.ChatID, ":")
	if found && ch != "" && rest != "" {
		return ch, rest
	}
	return ev.Channel, ev.ChatID
}

// threadingTarget decides whether to thread the reply under the inbound
// message. Only WhatsApp groups in mention-only mode thread, so a reply
// triggered by a mention lands next to it in a busy chat.
func threadingTarget(ev *core.InboundEvent, d *core.PolicyDecision) string {
	if ev.Channel != "whatsapp" || !ev.IsGroup || ev.MessageID == "" {
		return ""
	}
	if d == nil || d.WhenToReplyMode != core.ReplyModeMentionOnly {
		return ""
	}
	if ev.MentionedBot || ev.ReplyToBot {
		return ev.MessageID
	}
	return ""
}
