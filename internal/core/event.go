package core

import "strings"

// ChannelSystem is the synthetic channel scheduler traffic arrives on.
const ChannelSystem = "system"

// InboundEvent is the normalized form of a message received from a channel.
// Channel adapters publish raw bus messages; the orchestrator converts them
// into events before running the pipeline.
type InboundEvent struct {
	Channel   string `json:"channel"`
	SenderID  string `json:"sender_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // epoch millis from the channel, 0 when unknown
	MessageID string `json:"message_id,omitempty"`

	Participant  string `json:"participant,omitempty"` // group member JID when the chat is a group
	IsGroup      bool   `json:"is_group,omitempty"`
	MentionedBot bool   `json:"mentioned_bot,omitempty"`
	ReplyToBot   bool   `json:"reply_to_bot,omitempty"`

	ReplyToMessageID   string `json:"reply_to_message_id,omitempty"`
	ReplyToParticipant string `json:"reply_to_participant,omitempty"`
	ReplyToText        string `json:"reply_to_text,omitempty"`

	Media     []string `json:"media,omitempty"` // local file paths for downloaded attachments
	IsVoice   bool     `json:"is_voice,omitempty"`
	MediaKind string   `json:"media_kind,omitempty"` // "audio", "image", ...

	// Meta carries channel metadata not covered by typed fields.
	Meta map[string]string `json:"meta,omitempty"`

	// Context windows injected by the reply-context stage for the responder prompt.
	AmbientWindow      []string `json:"ambient_window,omitempty"`
	ReplyWindow        []string `json:"reply_window,omitempty"`
	ReplyContextSource string   `json:"reply_context_source,omitempty"` // "payload" or "archive"
}

// SessionTarget returns the conversation this event's reply and transcript
// belong to. Scheduler traffic arrives on the system channel with the real
// destination packed into the chat id ("whatsapp:123@g.us"); system events
// without a routable destination fall back to the cli bucket so heartbeat
// and undelivered cron runs still keep history.
func (e *InboundEvent) SessionTarget() (channel, chatID string) {
	if e.Channel != ChannelSystem {
		return e.Channel, e.ChatID
	}
	ch, rest, found := strings.Cut(e.ChatID, ":")
	if !found || ch == "" || rest == "" {
		return "cli", e.ChatID
	}
	return ch, rest
}

// OutboundEvent is a reply ready for delivery to a channel.
type OutboundEvent struct {
	Channel string   `json:"channel"`
	ChatID  string   `json:"chat_id"`
	Content string   `json:"content"`
	ReplyTo string   `json:"reply_to,omitempty"` // message id to thread under, channel permitting
	Media   []string `json:"media,omitempty"`
}

// ReactionEvent asks a channel to attach an emoji reaction to a message.
type ReactionEvent struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}
