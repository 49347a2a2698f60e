package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the compiled document for configurations that would
// silently lock the assistant out or reference unknown tools. Called at
// startup (fatal) and before every reload or admin commit (rejecting).
func (e *Engine) Validate(knownTools []string) error {
	if err := e.validateOwnerOnly(); err != nil {
		return err
	}
	if err := e.validateTools(knownTools); err != nil {
		return err
	}
	if err := e.validateRuntime(); err != nil {
		return err
	}
	return e.validatePersonaPaths()
}

// validateRuntime rejects runtime values an owner could write that
// would lock out the admin surface or spin the reload check.
func (e *Engine) validateRuntime() error {
	rt := e.doc.Runtime
	if rt.AdminCommandRateLimitPerMinute < 1 {
		return fmt.Errorf("runtime.adminCommandRateLimitPerMinute must be at least 1, got %d", rt.AdminCommandRateLimitPerMinute)
	}
	if rt.ReloadCheckIntervalSeconds < 0.1 {
		return fmt.Errorf("runtime.reloadCheckIntervalSeconds must be at least 0.1, got %g", rt.ReloadCheckIntervalSeconds)
	}
	return nil
}

func (e *Engine) validateOwnerOnly() error {
	defaultsUse := e.doc.Defaults.WhoCanTalk.Mode == WhoOwnerOnly ||
		e.doc.Defaults.WhenToReply.Mode == WhoOwnerOnly
	for _, channel := range sortedSet(e.applyChannels) {
		if defaultsUse && len(e.ownerIndex[channel]) == 0 {
			return fmt.Errorf("policy owner_only configured but owners.%s is empty", channel)
		}
	}
	for _, channel := range sortedKeys(e.doc.Channels) {
		if !e.AppliesTo(channel) {
			continue
		}
		if len(e.ownerIndex[channel]) > 0 {
			continue
		}
		if channelUsesOwnerOnly(e.doc.Channels[channel]) {
			return fmt.Errorf("policy owner_only configured for %s but owners.%s is empty", channel, channel)
		}
	}
	return nil
}

func channelUsesOwnerOnly(cp ChannelPolicy) bool {
	if overrideUsesOwnerOnly(&cp.Default) {
		return true
	}
	for _, ov := range cp.Chats {
		if overrideUsesOwnerOnly(ov) {
			return true
		}
	}
	return false
}

func overrideUsesOwnerOnly(ov *ChatPolicyOverride) bool {
	if ov == nil {
		return false
	}
	if ov.WhoCanTalk != nil && ov.WhoCanTalk.Mode != nil && *ov.WhoCanTalk.Mode == WhoOwnerOnly {
		return true
	}
	if ov.WhenToReply != nil && ov.WhenToReply.Mode != nil && *ov.WhenToReply.Mode == WhoOwnerOnly {
		return true
	}
	return false
}

type toolPolicyRef struct {
	mode  string
	tools []string
	deny  []string
	path  string
}

func (e *Engine) validateTools(knownTools []string) error {
	known := normalizeToolNames(knownTools)
	for _, ref := range e.toolPolicyRefs() {
		if ref.mode == ToolsAllowlist {
			if unknown := unknownTools(ref.tools, known); len(unknown) > 0 {
				return fmt.Errorf("unknown tools in allowlist at %s: %s", ref.path, strings.Join(unknown, ", "))
			}
		}
		if unknown := unknownTools(ref.deny, known); len(unknown) > 0 {
			return fmt.Errorf("unknown tools in deny list at %s: %s", ref.path, strings.Join(unknown, ", "))
		}
	}
	return nil
}

func (e *Engine) toolPolicyRefs() []toolPolicyRef {
	d := e.doc.Defaults.AllowedTools
	refs := []toolPolicyRef{{d.Mode, d.Tools, d.Deny, "defaults.allowedTools"}}
	for _, channel := range sortedKeys(e.doc.Channels) {
		cp := e.doc.Channels[channel]
		if at := cp.Default.AllowedTools; at != nil {
			refs = append(refs, toolPolicyRef{
				mode:  valueOr(at.Mode, ToolsAll),
				tools: at.Tools,
				deny:  at.Deny,
				path:  fmt.Sprintf("channels.%s.default.allowedTools", channel),
			})
		}
		for _, chat := range sortedKeys(cp.Chats) {
			ov := cp.Chats[chat]
			if ov == nil || ov.AllowedTools == nil {
				continue
			}
			at := ov.AllowedTools
			refs = append(refs, toolPolicyRef{
				mode:  valueOr(at.Mode, ToolsAll),
				tools: at.Tools,
				deny:  at.Deny,
				path:  fmt.Sprintf("channels.%s.chats.%s.allowedTools", channel, chat),
			})
		}
	}
	return refs
}

func (e *Engine) validatePersonaPaths() error {
	type ref struct {
		file string
		path string
	}
	refs := []ref{{e.doc.Defaults.PersonaFile, "defaults.personaFile"}}
	for _, channel := range sortedKeys(e.doc.Channels) {
		cp := e.doc.Channels[channel]
		if cp.Default.PersonaFile != nil {
			refs = append(refs, ref{*cp.Default.PersonaFile, fmt.Sprintf("channels.%s.default.personaFile", channel)})
		}
		for _, chat := range sortedKeys(cp.Chats) {
			ov := cp.Chats[chat]
			if ov == nil || ov.PersonaFile == nil {
				continue
			}
			refs = append(refs, ref{*ov.PersonaFile, fmt.Sprintf("channels.%s.chats.%s.personaFile", channel, chat)})
		}
	}
	for _, r := range refs {
		if r.file == "" {
			continue
		}
		if _, err := ResolvePersonaPath(r.file, e.workspace); err != nil {
			return fmt.Errorf("invalid personaFile at %s: %w", r.path, err)
		}
	}
	return nil
}

func unknownTools(values []string, known map[string]struct{}) []string {
	var unknown []string
	for tool := range normalizeToolNames(values) {
		if _, ok := known[tool]; !ok {
			unknown = append(unknown, tool)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func valueOr(p *string, fallback string) string {
	if p != nil {
		return *p
	}
	return fallback
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
