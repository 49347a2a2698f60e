package policy

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/quietloop/steward/internal/core"
)

// DefaultApplyChannels are the channels policy governs unless the engine
// is constructed with an explicit set. Channels outside the set get an
// allow-all decision.
var DefaultApplyChannels = []string{"telegram", "whatsapp"}

// Actor is the normalized sender/channel context a decision is made for.
type Actor struct {
	Channel       string
	ChatID        string
	SenderPrimary string
	SenderAliases []string
	IsGroup       bool
	MentionedBot  bool
	ReplyToBot    bool
	Content       string
	IsVoice       bool
}

// Evaluation is the raw engine outcome before the facade attaches voice,
// notes and persona text.
type Evaluation struct {
	AcceptMessage bool
	ShouldRespond bool
	AllowedTools  []string // sorted
	PersonaFile   string
	Reason        string
}

type chatKey struct {
	channel string
	chat    string
}

type compiledAccess struct {
	mode    string
	senders map[string]struct{}
}

// compiledChat is the frozen per-chat view evaluation runs against.
type compiledChat struct {
	whoMode      string
	whoSenders   map[string]struct{}
	replyMode    string
	replySenders map[string]struct{}
	blocked      map[string]struct{}
	toolsMode    string
	tools        map[string]struct{}
	deny         map[string]struct{}
	toolAccess   map[string]compiledAccess
	wakePhrases  []string // compact form
	personaFile  string
	resolved     ChatPolicy
}

// Engine evaluates per-channel and per-chat policy rules against a
// compiled view of one document. An Engine is immutable after
// construction apart from its resolve cache; reloads build a new Engine
// and swap it in.
type Engine struct {
	doc           *Document
	workspace     string
	applyChannels map[string]struct{}

	ownerIndex      map[string]map[string]struct{}
	channelDefaults map[string]*compiledChat
	chatRules       map[chatKey]*compiledChat

	mu            sync.Mutex
	resolvedCache map[chatKey]*compiledChat
}

// NewEngine compiles the document. applyChannels nil means
// DefaultApplyChannels.
func NewEngine(doc *Document, workspace string, applyChannels []string) *Engine {
	if applyChannels == nil {
		applyChannels = DefaultApplyChannels
	}
	apply := make(map[string]struct{}, len(applyChannels))
	for _, ch := range applyChannels {
		apply[ch] = struct{}{}
	}
	e := &Engine{
		doc:           doc,
		workspace:     workspace,
		applyChannels: apply,
	}
	e.compile()
	return e
}

// Document returns the source document the engine was compiled from.
func (e *Engine) Document() *Document { return e.doc }

// Workspace returns the workspace root persona paths resolve against.
func (e *Engine) Workspace() string { return e.workspace }

// AppliesTo reports whether policy governs the channel.
func (e *Engine) AppliesTo(channel string) bool {
	_, ok := e.applyChannels[channel]
	return ok
}

func (e *Engine) compile() {
	e.ownerIndex = make(map[string]map[string]struct{}, len(e.doc.Owners))
	for channel, owners := range e.doc.Owners {
		e.ownerIndex[channel] = NormalizeSenderList(channel, owners)
	}

	channels := make(map[string]struct{}, len(e.applyChannels)+len(e.doc.Channels))
	for ch := range e.applyChannels {
		channels[ch] = struct{}{}
	}
	for ch := range e.doc.Channels {
		channels[ch] = struct{}{}
	}

	e.channelDefaults = make(map[string]*compiledChat, len(channels))
	e.chatRules = map[chatKey]*compiledChat{}
	for channel := range channels {
		channelPolicy, hasChannel := e.doc.Channels[channel]
		merged := mergeChat(e.doc.Defaults, nil)
		if hasChannel {
			merged = mergeChat(e.doc.Defaults, &channelPolicy.Default)
		}
		e.channelDefaults[channel] = compileChat(channel, merged)

		if !hasChannel {
			continue
		}
		for chatID, override := range channelPolicy.Chats {
			chatMerged := mergeChat(merged, override)
			e.chatRules[chatKey{channel, chatID}] = compileChat(channel, chatMerged)
		}
	}
	e.resolvedCache = map[chatKey]*compiledChat{}
}

func compileChat(channel string, resolved ChatPolicy) *compiledChat {
	cp := &compiledChat{
		whoMode:      resolved.WhoCanTalk.Mode,
		whoSenders:   NormalizeSenderList(channel, resolved.WhoCanTalk.Senders),
		replyMode:    resolved.WhenToReply.Mode,
		replySenders: NormalizeSenderList(channel, resolved.WhenToReply.Senders),
		blocked:      NormalizeSenderList(channel, resolved.BlockedSenders.Senders),
		toolsMode:    resolved.AllowedTools.Mode,
		tools:        normalizeToolNames(resolved.AllowedTools.Tools),
		deny:         normalizeToolNames(resolved.AllowedTools.Deny),
		personaFile:  resolved.PersonaFile,
		resolved:     resolved,
	}
	if len(resolved.ToolAccess) > 0 {
		cp.toolAccess = make(map[string]compiledAccess, len(resolved.ToolAccess))
		for name, rule := range resolved.ToolAccess {
			tool := strings.TrimSpace(name)
			if tool == "" {
				continue
			}
			cp.toolAccess[tool] = compiledAccess{
				mode:    rule.Mode,
				senders: NormalizeSenderList(channel, rule.Senders),
			}
		}
	}
	for _, phrase := range resolved.VoiceInput.WakePhrases {
		if compact := compactText(phrase); compact != "" {
			cp.wakePhrases = append(cp.wakePhrases, compact)
		}
	}
	return cp
}

// resolve returns the compiled policy for a chat with precedence
// defaults -> channel default -> chat override.
func (e *Engine) resolve(channel, chatID string) *compiledChat {
	key := chatKey{channel, chatID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.resolvedCache[key]; ok {
		return cached
	}
	cp, ok := e.chatRules[key]
	if !ok {
		cp = e.channelDefaults[channel]
	}
	if cp == nil {
		// Channel never compiled (outside applyChannels and the
		// document); fall back to bare defaults.
		cp = compileChat(channel, mergeChat(e.doc.Defaults, nil))
		e.channelDefaults[channel] = cp
	}
	e.resolvedCache[key] = cp
	return cp
}

// Resolve returns the merged, uncompiled policy for one chat. Used by
// admin snapshots and the decision facade for voice settings.
func (e *Engine) Resolve(channel, chatID string) ChatPolicy {
	return mergeChat(e.resolve(channel, chatID).resolved, nil)
}

// VoiceSettings returns the compiled voice-output settings for a chat.
func (e *Engine) VoiceSettings(channel, chatID string) core.VoiceSettings {
	vo := e.resolve(channel, chatID).resolved.VoiceOutput
	return core.VoiceSettings{
		Mode:         vo.Mode,
		Route:        vo.TTSRoute,
		Voice:        vo.Voice,
		Format:       vo.Format,
		MaxSentences: vo.MaxSentences,
		MaxChars:     vo.MaxChars,
	}
}

func normalizeToolNames(values []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// compactText lowers text and strips everything that is not a letter or
// digit, so "Hey, Steward!" matches the wake phrase "hey steward".
func compactText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
