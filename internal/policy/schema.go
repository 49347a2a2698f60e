// Package policy compiles the declarative policy document into per-chat
// decision tables and evaluates inbound events against them. The document
// is camelCase JSON on disk; overrides encode "absent means inherit" with
// pointer fields so the compile step can merge three levels (defaults,
// channel default, chat) without sentinel values.
package policy

import (
	"bytes"
	"encoding/json"
)

// Who-can-talk modes.
const (
	WhoEveryone  = "everyone"
	WhoAllowlist = "allowlist"
	WhoOwnerOnly = "owner_only"
)

// Allowed-tools modes.
const (
	ToolsAll       = "all"
	ToolsAllowlist = "allowlist"
)

// Memory-notes capture modes.
const (
	NotesAdaptive  = "adaptive"
	NotesHeuristic = "heuristic"
	NotesHybrid    = "hybrid"
)

// WhoCanTalk decides which senders are accepted at all.
type WhoCanTalk struct {
	Mode    string   `json:"mode"`
	Senders []string `json:"senders"`
}

// WhenToReply decides whether an accepted message gets a response.
// Modes are the core.ReplyMode* values.
type WhenToReply struct {
	Mode    string   `json:"mode"`
	Senders []string `json:"senders"`
}

// BlockedSenders is an explicit deny-list evaluated before WhoCanTalk.
type BlockedSenders struct {
	Senders []string `json:"senders"`
}

// AllowedTools limits which tools the responder may call.
type AllowedTools struct {
	Mode  string   `json:"mode"`
	Tools []string `json:"tools"`
	Deny  []string `json:"deny"`
}

// ToolAccess gates one tool by sender.
type ToolAccess struct {
	Mode    string   `json:"mode"`
	Senders []string `json:"senders"`
}

// VoiceInput holds wake phrases that let a voice message through a
// mention-only group.
type VoiceInput struct {
	WakePhrases []string `json:"wakePhrases"`
}

// VoiceOutput configures voice replies for a chat.
type VoiceOutput struct {
	Mode         string `json:"mode"`
	TTSRoute     string `json:"ttsRoute"`
	Voice        string `json:"voice"`
	Format       string `json:"format"`
	MaxSentences int    `json:"maxSentences"`
	MaxChars     int    `json:"maxChars"`
}

// ChatPolicy is the fully resolved policy for one chat. Every field is
// populated; the compile step produces one per chat from the override
// chain.
type ChatPolicy struct {
	WhoCanTalk     WhoCanTalk            `json:"whoCanTalk"`
	WhenToReply    WhenToReply           `json:"whenToReply"`
	BlockedSenders BlockedSenders        `json:"blockedSenders"`
	AllowedTools   AllowedTools          `json:"allowedTools"`
	ToolAccess     map[string]ToolAccess `json:"toolAccess,omitempty"`
	VoiceInput     VoiceInput            `json:"voiceInput"`
	VoiceOutput    VoiceOutput           `json:"voiceOutput"`
	PersonaFile    string                `json:"personaFile,omitempty"`
	GroupTags      []string              `json:"groupTags,omitempty"`
}

// Override structs mirror the policy sections with every field optional.
// nil means inherit from the level below; a present empty list replaces
// the inherited one (lists replace, never concatenate). The omitzero tag
// keeps that distinction across save/load round trips.

type WhoCanTalkOverride struct {
	Mode    *string  `json:"mode,omitempty"`
	Senders []string `json:"senders,omitzero"`
}

type WhenToReplyOverride struct {
	Mode    *string  `json:"mode,omitempty"`
	Senders []string `json:"senders,omitzero"`
}

type BlockedSendersOverride struct {
	Senders []string `json:"senders,omitzero"`
}

type AllowedToolsOverride struct {
	Mode  *string  `json:"mode,omitempty"`
	Tools []string `json:"tools,omitzero"`
	Deny  []string `json:"deny,omitzero"`
}

type ToolAccessOverride struct {
	Mode    *string  `json:"mode,omitempty"`
	Senders []string `json:"senders,omitzero"`
}

type VoiceInputOverride struct {
	WakePhrases []string `json:"wakePhrases,omitzero"`
}

type VoiceOutputOverride struct {
	Mode         *string `json:"mode,omitempty"`
	TTSRoute     *string `json:"ttsRoute,omitempty"`
	Voice        *string `json:"voice,omitempty"`
	Format       *string `json:"format,omitempty"`
	MaxSentences *int    `json:"maxSentences,omitempty"`
	MaxChars     *int    `json:"maxChars,omitempty"`
}

// ChatPolicyOverride is a partial policy at channel-default or chat level.
// Comment and GroupTags are annotations for humans and the admin group
// resolver; they never affect evaluation.
type ChatPolicyOverride struct {
	Comment        string                        `json:"comment,omitempty"`
	WhoCanTalk     *WhoCanTalkOverride           `json:"whoCanTalk,omitempty"`
	WhenToReply    *WhenToReplyOverride          `json:"whenToReply,omitempty"`
	BlockedSenders *BlockedSendersOverride       `json:"blockedSenders,omitempty"`
	AllowedTools   *AllowedToolsOverride         `json:"allowedTools,omitempty"`
	ToolAccess     map[string]ToolAccessOverride `json:"toolAccess,omitempty"`
	VoiceInput     *VoiceInputOverride           `json:"voiceInput,omitempty"`
	VoiceOutput    *VoiceOutputOverride          `json:"voiceOutput,omitempty"`
	PersonaFile    *string                       `json:"personaFile,omitempty"`
	GroupTags      []string                      `json:"groupTags,omitzero"`
}

// ChannelPolicy is the per-channel section of the document.
type ChannelPolicy struct {
	Default ChatPolicyOverride             `json:"default"`
	Chats   map[string]*ChatPolicyOverride `json:"chats,omitempty"`
}

// RuntimeSettings controls reload and admin behavior.
type RuntimeSettings struct {
	ReloadOnChange                 bool            `json:"reloadOnChange"`
	ReloadCheckIntervalSeconds     float64         `json:"reloadCheckIntervalSeconds"`
	FeatureFlags                   map[string]bool `json:"featureFlags,omitempty"`
	AdminCommandRateLimitPerMinute int             `json:"adminCommandRateLimitPerMinute"`
	AdminRequireConfirmForRisky    bool            `json:"adminRequireConfirmForRisky"`
}

// DefaultRuntimeSettings returns the runtime values that apply when the
// section or individual fields are omitted from the document.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		ReloadOnChange:                 true,
		ReloadCheckIntervalSeconds:     1.0,
		AdminCommandRateLimitPerMinute: 30,
	}
}

// UnmarshalJSON decodes over the defaults, so a runtime section that
// names only some fields keeps the default values for the rest while an
// explicit false or zero written by the owner is preserved.
func (r *RuntimeSettings) UnmarshalJSON(data []byte) error {
	type plain RuntimeSettings
	tmp := plain(DefaultRuntimeSettings())
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tmp); err != nil {
		return err
	}
	*r = RuntimeSettings(tmp)
	return nil
}

// NotesBatch bounds the background notes collector.
type NotesBatch struct {
	IntervalSeconds int `json:"intervalSeconds"`
	MaxMessages     int `json:"maxMessages"`
}

// NotesDefaults is the baseline notes-capture behavior per chat kind.
type NotesDefaults struct {
	GroupsEnabled       bool   `json:"groupsEnabled"`
	DMsEnabled          bool   `json:"dmsEnabled"`
	Mode                string `json:"mode"`
	AllowBlockedSenders bool   `json:"allowBlockedSenders"`
}

// NotesOverride is a partial notes setting at channel or chat level.
type NotesOverride struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	Mode                *string `json:"mode,omitempty"`
	AllowBlockedSenders *bool   `json:"allowBlockedSenders,omitempty"`
}

// NotesChannel holds per-channel notes defaults and chat overrides.
type NotesChannel struct {
	Default NotesOverride            `json:"default"`
	Chats   map[string]NotesOverride `json:"chats,omitempty"`
}

// MemoryNotes is the top-level background notes-capture policy.
type MemoryNotes struct {
	Enabled       bool                    `json:"enabled"`
	ApplyChannels []string                `json:"applyChannels"`
	Batch         NotesBatch              `json:"batch"`
	Defaults      NotesDefaults           `json:"defaults"`
	Channels      map[string]NotesChannel `json:"channels,omitempty"`
}

// Document is the root policy configuration as stored on disk.
type Document struct {
	Version     int                      `json:"version"`
	Owners      map[string][]string      `json:"owners"`
	Runtime     RuntimeSettings          `json:"runtime"`
	Defaults    ChatPolicy               `json:"defaults"`
	Channels    map[string]ChannelPolicy `json:"channels"`
	MemoryNotes MemoryNotes              `json:"memoryNotes"`
}

// DocumentVersion is the schema version written by this build.
const DocumentVersion = 2

// DefaultChatPolicy returns the conservative baseline applied to every
// chat that nothing overrides: anyone can talk, replies to everything,
// read-only tool allowlist, plain text replies.
func DefaultChatPolicy() ChatPolicy {
	return ChatPolicy{
		WhoCanTalk:     WhoCanTalk{Mode: WhoEveryone, Senders: []string{}},
		WhenToReply:    WhenToReply{Mode: "all", Senders: []string{}},
		BlockedSenders: BlockedSenders{Senders: []string{}},
		AllowedTools: AllowedTools{
			Mode:  ToolsAllowlist,
			Tools: []string{"list_dir", "read_file", "web_fetch"},
			Deny:  []string{},
		},
		VoiceInput: VoiceInput{WakePhrases: []string{}},
		VoiceOutput: VoiceOutput{
			Mode:         "text",
			TTSRoute:     "tts.speak",
			Voice:        "alloy",
			Format:       "opus",
			MaxSentences: 2,
			MaxChars:     150,
		},
	}
}

// DefaultDocument returns the policy seeded on first run: remote channels
// answer only when addressed, owners start empty.
func DefaultDocument() *Document {
	mentionOnly := func() ChannelPolicy {
		mode := "mention_only"
		return ChannelPolicy{
			Default: ChatPolicyOverride{
				WhenToReply: &WhenToReplyOverride{Mode: &mode, Senders: []string{}},
			},
		}
	}
	return &Document{
		Version: DocumentVersion,
		Owners: map[string][]string{
			"whatsapp": {},
			"telegram": {},
		},
		Runtime: DefaultRuntimeSettings(),
		Defaults: DefaultChatPolicy(),
		Channels: map[string]ChannelPolicy{
			"whatsapp": mentionOnly(),
			"telegram": mentionOnly(),
		},
		MemoryNotes: MemoryNotes{
			Enabled:       true,
			ApplyChannels: []string{"whatsapp", "telegram"},
			Batch:         NotesBatch{IntervalSeconds: 1800, MaxMessages: 100},
			Defaults: NotesDefaults{
				GroupsEnabled:       true,
				DMsEnabled:          false,
				Mode:                NotesAdaptive,
				AllowBlockedSenders: false,
			},
			Channels: map[string]NotesChannel{
				"whatsapp": {},
				"telegram": {},
			},
		},
	}
}
