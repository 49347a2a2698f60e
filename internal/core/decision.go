package core

import "slices"

// When-to-reply modes carried on a decision.
const (
	ReplyModeAll            = "all"
	ReplyModeMentionOnly    = "mention_only"
	ReplyModeAllowedSenders = "allowed_senders"
	ReplyModeOwnerOnly      = "owner_only"
	ReplyModeOff            = "off"
)

// Voice output modes.
const (
	VoiceModeText   = "text"
	VoiceModeInKind = "in_kind"
	VoiceModeAlways = "always"
	VoiceModeOff    = "off"
)

// VoiceSettings is the compiled voice-output configuration for a chat.
type VoiceSettings struct {
	Mode         string `json:"mode"`
	Route        string `json:"route"`  // model-router key, e.g. "tts.speak"
	Voice        string `json:"voice"`  // synthesizer voice name
	Format       string `json:"format"` // only "opus" is sendable as a voice note
	MaxSentences int    `json:"max_sentences"`
	MaxChars     int    `json:"max_chars"`
}

// NotesCapture is the compiled memory-notes configuration for a chat.
type NotesCapture struct {
	Enabled             bool   `json:"enabled"`
	Mode                string `json:"mode,omitempty"`
	AllowBlockedSenders bool   `json:"allow_blocked_senders,omitempty"`
}

// PolicyDecision is the outcome of evaluating the compiled policy for one
// inbound event. Reason values are stable strings used as metric labels.
type PolicyDecision struct {
	AcceptMessage bool     `json:"accept_message"`
	ShouldRespond bool     `json:"should_respond"`
	Reason        string   `json:"reason"`
	AllowedTools  []string `json:"allowed_tools,omitempty"` // sorted

	WhenToReplyMode string `json:"when_to_reply_mode,omitempty"`
	IsOwner         bool   `json:"is_owner,omitempty"`

	PersonaFile string `json:"persona_file,omitempty"`
	PersonaText string `json:"-"`

	Voice VoiceSettings `json:"voice,omitempty"`
	Notes NotesCapture  `json:"notes,omitempty"`
}

// HasTool reports whether the decision permits the named tool.
func (d *PolicyDecision) HasTool(name string) bool {
	return slices.Contains(d.AllowedTools, name)
}
