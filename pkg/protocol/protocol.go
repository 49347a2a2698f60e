// Package protocol defines the JSON frames exchanged with the Node
// WhatsApp bridge over its websocket. The bridge repo vendors a copy of
// these definitions; Version gates compatibility on connect.
package protocol

import "encoding/json"

// Version is bumped on any wire-incompatible change.
const Version = 2

// Frame types.
const (
	TypeAuth    = "auth"
	TypeAuthOK  = "auth_ok"
	TypeError   = "error"
	TypeMessage = "message"
	TypeSend    = "send"
	TypeReceipt = "receipt"

	TypeReaction = "reaction"
	TypeTyping   = "typing"

	TypeHealth   = "health"
	TypeHealthOK = "health_ok"

	TypeListGroups = "list_groups"
	TypeGroups     = "groups"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal wraps a typed payload into an envelope.
func Marshal(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: frameType, Data: data})
}

// Auth is the first client frame on every connection.
type Auth struct {
	Token   string `json:"token"`
	Version int    `json:"version"`
}

// AuthOK acknowledges a valid token.
type AuthOK struct {
	Version int    `json:"version"`
	Device  string `json:"device,omitempty"` // connected WhatsApp JID
}

// Error reports a bridge-side failure for the preceding frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Message is an inbound chat message pushed by the bridge.
type Message struct {
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Participant string `json:"participant,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"` // epoch millis

	IsGroup      bool   `json:"is_group,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	GroupDesc    string `json:"group_desc,omitempty"`
	MentionedBot bool   `json:"mentioned_bot,omitempty"`
	FromMe       bool   `json:"from_me,omitempty"`

	ReplyToMessageID   string `json:"reply_to_message_id,omitempty"`
	ReplyToParticipant string `json:"reply_to_participant,omitempty"`
	ReplyToText        string `json:"reply_to_text,omitempty"`
	ReplyToBot         bool   `json:"reply_to_bot,omitempty"`

	IsVoice   bool       `json:"is_voice,omitempty"`
	MediaKind string     `json:"media_kind,omitempty"` // "image", "audio", "video", "document"
	Media     []MediaRef `json:"media,omitempty"`
}

// MediaRef points at a media file the bridge downloaded (inbound) or
// should upload (outbound).
type MediaRef struct {
	Path    string `json:"path"`
	Mime    string `json:"mime,omitempty"`
	Caption string `json:"caption,omitempty"`
	Voice   bool   `json:"voice,omitempty"` // send as a voice note
}

// Send asks the bridge to deliver a message.
type Send struct {
	ChatID  string     `json:"chat_id"`
	Content string     `json:"content,omitempty"`
	ReplyTo string     `json:"reply_to,omitempty"`
	Media   []MediaRef `json:"media,omitempty"`
}

// Reaction asks the bridge to attach an emoji reaction.
type Reaction struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Typing toggles the composing indicator.
type Typing struct {
	ChatID string `json:"chat_id"`
	State  bool   `json:"state"`
}

// Health is an application-level ping; the bridge answers with HealthOK.
type Health struct{}

// HealthOK reports bridge liveness.
type HealthOK struct {
	Connected     bool   `json:"connected"` // WhatsApp session is up
	Device        string `json:"device,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Version       int    `json:"version,omitempty"`
}

// ListGroups asks for every group the account participates in.
type ListGroups struct{}

// GroupSubject is one entry of the Groups response.
type GroupSubject struct {
	ChatID      string `json:"chat_id"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
}

// Groups answers a ListGroups request.
type Groups struct {
	Groups []GroupSubject `json:"groups"`
}
