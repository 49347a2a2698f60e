package bus

import "context"

// InboundMessage represents a message received from a channel (WhatsApp, Telegram, etc.)
// before normalization into a pipeline event. Metadata carries channel-specific
// fields as strings; the orchestrator parses the typed ones it knows about.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp,omitempty"` // epoch millis, 0 when the channel gave none
	Media     []string          `json:"media,omitempty"`
	PeerKind  string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"` // message id to thread under, channel permitting
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "audio/ogg", "image/jpeg")
	Caption     string `json:"caption,omitempty"`
}

// ReactionMessage asks a channel to attach an emoji reaction to a message.
type ReactionMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Event represents a server-side event broadcast to status WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription for the status feed.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts message routing between channel adapters and the
// orchestrator. Publishes never block; consumes poll so shutdown propagates.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
	PublishReaction(msg ReactionMessage)
	ConsumeReaction(ctx context.Context) (ReactionMessage, bool)
}
