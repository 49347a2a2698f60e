package policy

import (
	"slices"
	"strings"

	"github.com/quietloop/steward/internal/core"
)

// Evaluate runs the compiled policy for one actor. knownTools is the set
// of tools registered at runtime; the result allowlist never leaves it.
func (e *Engine) Evaluate(actor Actor, knownTools []string) Evaluation {
	if !e.AppliesTo(actor.Channel) {
		all := make([]string, len(knownTools))
		copy(all, knownTools)
		return Evaluation{
			AcceptMessage: true,
			ShouldRespond: true,
			AllowedTools:  sortedSet(normalizeToolNames(all)),
			Reason:        "policy_not_applied",
		}
	}

	cp := e.resolve(actor.Channel, actor.ChatID)

	if senderMatch(actor.SenderPrimary, actor.SenderAliases, cp.blocked) {
		return Evaluation{
			AcceptMessage: false,
			ShouldRespond: false,
			PersonaFile:   cp.personaFile,
			Reason:        "blocked_sender",
		}
	}

	accepted, acceptReason := e.evaluateWhoCanTalk(actor, cp)
	if !accepted {
		return Evaluation{
			AcceptMessage: false,
			ShouldRespond: false,
			PersonaFile:   cp.personaFile,
			Reason:        acceptReason,
		}
	}

	shouldRespond, replyReason := e.evaluateWhenToReply(actor, cp)
	if !shouldRespond {
		return Evaluation{
			AcceptMessage: true,
			ShouldRespond: false,
			PersonaFile:   cp.personaFile,
			Reason:        replyReason,
		}
	}

	return Evaluation{
		AcceptMessage: true,
		ShouldRespond: true,
		AllowedTools:  e.resolveAllowedTools(actor, cp, knownTools),
		PersonaFile:   cp.personaFile,
		Reason:        acceptReason + "|" + replyReason,
	}
}

func (e *Engine) evaluateWhoCanTalk(actor Actor, cp *compiledChat) (bool, string) {
	switch cp.whoMode {
	case WhoEveryone:
		return true, "who_can_talk:everyone"
	case WhoAllowlist:
		ok := senderMatch(actor.SenderPrimary, actor.SenderAliases, cp.whoSenders)
		return ok, "who_can_talk:allowlist"
	case WhoOwnerOnly:
		return e.ownerMatch(actor), "who_can_talk:owner_only"
	}
	return false, "who_can_talk:unknown_mode:" + cp.whoMode
}

func (e *Engine) evaluateWhenToReply(actor Actor, cp *compiledChat) (bool, string) {
	switch cp.replyMode {
	case core.ReplyModeAll:
		return true, "when_to_reply:all"
	case core.ReplyModeOff:
		return false, "when_to_reply:off"
	case core.ReplyModeMentionOnly:
		if !actor.IsGroup {
			return true, "when_to_reply:mention_only_dm"
		}
		ok := actor.MentionedBot || actor.ReplyToBot
		if !ok && actor.IsVoice && cp.matchesWakePhrase(actor.Content) {
			ok = true
		}
		return ok, "when_to_reply:mention_only_group"
	case core.ReplyModeAllowedSenders:
		ok := senderMatch(actor.SenderPrimary, actor.SenderAliases, cp.replySenders)
		return ok, "when_to_reply:allowed_senders"
	case core.ReplyModeOwnerOnly:
		return e.ownerMatch(actor), "when_to_reply:owner_only"
	}
	return false, "when_to_reply:unknown_mode:" + cp.replyMode
}

// resolveAllowedTools computes the tool allowlist: mode selection, deny
// subtraction, intersection with known tools, then per-tool access rules.
// spawn is never allowed without exec.
func (e *Engine) resolveAllowedTools(actor Actor, cp *compiledChat, knownTools []string) []string {
	known := normalizeToolNames(knownTools)

	allowed := map[string]struct{}{}
	if cp.toolsMode == ToolsAll {
		for tool := range known {
			allowed[tool] = struct{}{}
		}
	} else {
		for tool := range cp.tools {
			allowed[tool] = struct{}{}
		}
	}
	for tool := range cp.deny {
		delete(allowed, tool)
	}
	for tool := range allowed {
		if _, ok := known[tool]; !ok {
			delete(allowed, tool)
		}
	}
	if _, ok := allowed["exec"]; !ok {
		delete(allowed, "spawn")
	}

	if len(cp.toolAccess) > 0 {
		isOwner := e.ownerMatch(actor)
		for tool := range allowed {
			rule, ok := cp.toolAccess[tool]
			if !ok {
				continue
			}
			if isOwner {
				continue
			}
			switch rule.mode {
			case WhoEveryone:
			case WhoAllowlist:
				if !senderMatch(actor.SenderPrimary, actor.SenderAliases, rule.senders) {
					delete(allowed, tool)
				}
			default:
				// owner_only and anything unrecognized deny.
				delete(allowed, tool)
			}
		}
	}
	return sortedSet(allowed)
}

func (cp *compiledChat) matchesWakePhrase(content string) bool {
	if len(cp.wakePhrases) == 0 {
		return false
	}
	compact := compactText(content)
	if compact == "" {
		return false
	}
	for _, phrase := range cp.wakePhrases {
		if strings.Contains(compact, phrase) {
			return true
		}
	}
	return false
}

// senderMatch reports whether any normalized alias of the sender is in
// the allowed set. An empty set never matches.
func senderMatch(primary string, aliases []string, allowed map[string]struct{}) bool {
	if len(allowed) == 0 {
		return false
	}
	if tok := NormalizeToken(primary); tok != "" {
		if _, ok := allowed[tok]; ok {
			return true
		}
	}
	for _, alias := range aliases {
		tok := NormalizeToken(alias)
		if tok == "" {
			continue
		}
		if _, ok := allowed[tok]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) ownerMatch(actor Actor) bool {
	return senderMatch(actor.SenderPrimary, actor.SenderAliases, e.ownerIndex[actor.Channel])
}

// IsOwner reports whether the actor matches the channel's owner list.
func (e *Engine) IsOwner(actor Actor) bool { return e.ownerMatch(actor) }

// OwnerRecipients returns the configured owner ids for a channel as
// written in the document, for notification delivery.
func (e *Engine) OwnerRecipients(channel string) []string {
	return copyStrings(e.doc.Owners[channel])
}

// ResolveMemoryNotes resolves the notes-capture setting for one chat:
// global gate, group/DM default, then channel and chat overrides.
func (e *Engine) ResolveMemoryNotes(channel, chatID string, isGroup bool) core.NotesCapture {
	mn := e.doc.MemoryNotes
	base := core.NotesCapture{
		Mode:                mn.Defaults.Mode,
		AllowBlockedSenders: mn.Defaults.AllowBlockedSenders,
	}
	if base.Mode == "" {
		base.Mode = NotesAdaptive
	}
	if !mn.Enabled || !slices.Contains(mn.ApplyChannels, channel) {
		return base
	}
	if isGroup {
		base.Enabled = mn.Defaults.GroupsEnabled
	} else {
		base.Enabled = mn.Defaults.DMsEnabled
	}
	nc, ok := mn.Channels[channel]
	if !ok {
		return base
	}
	var chatOv *NotesOverride
	if ov, ok := nc.Chats[chatID]; ok {
		chatOv = &ov
	}
	return mergeNotes(base, &nc.Default, chatOv)
}

// NotesBatch returns the collector batch bounds with floors applied.
func (e *Engine) NotesBatch() (intervalSeconds, maxMessages int) {
	b := e.doc.MemoryNotes.Batch
	intervalSeconds = b.IntervalSeconds
	if intervalSeconds <= 0 {
		intervalSeconds = 1800
	}
	maxMessages = b.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return intervalSeconds, maxMessages
}

// Explain returns a diagnostic snapshot for one hypothetical actor, used
// by the admin explain command.
func (e *Engine) Explain(actor Actor, knownTools []string) map[string]any {
	eval := e.Evaluate(actor, knownTools)
	resolved := e.Resolve(actor.Channel, actor.ChatID)
	return map[string]any{
		"channel":  actor.Channel,
		"chat_id":  actor.ChatID,
		"sender":   actor.SenderPrimary,
		"is_owner": e.IsOwner(actor),
		"decision": map[string]any{
			"accept_message": eval.AcceptMessage,
			"should_respond": eval.ShouldRespond,
			"allowed_tools":  eval.AllowedTools,
			"reason":         eval.Reason,
		},
		"resolved": resolved,
	}
}
