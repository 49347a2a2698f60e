package policy

import "github.com/quietloop/steward/internal/core"

// mergeChat layers one override on top of a fully resolved policy.
// Scalars and lists replace when present, maps merge per key, and the
// override comment is ignored. Called twice per chat: channel default
// over global defaults, then the chat override over that.
func mergeChat(base ChatPolicy, ov *ChatPolicyOverride) ChatPolicy {
	out := base
	out.WhoCanTalk.Senders = copyStrings(base.WhoCanTalk.Senders)
	out.WhenToReply.Senders = copyStrings(base.WhenToReply.Senders)
	out.BlockedSenders.Senders = copyStrings(base.BlockedSenders.Senders)
	out.AllowedTools.Tools = copyStrings(base.AllowedTools.Tools)
	out.AllowedTools.Deny = copyStrings(base.AllowedTools.Deny)
	out.VoiceInput.WakePhrases = copyStrings(base.VoiceInput.WakePhrases)
	out.GroupTags = copyStrings(base.GroupTags)
	out.ToolAccess = copyToolAccess(base.ToolAccess)
	if ov == nil {
		return out
	}

	if ov.WhoCanTalk != nil {
		if ov.WhoCanTalk.Mode != nil {
			out.WhoCanTalk.Mode = *ov.WhoCanTalk.Mode
		}
		if ov.WhoCanTalk.Senders != nil {
			out.WhoCanTalk.Senders = copyStrings(ov.WhoCanTalk.Senders)
		}
	}
	if ov.WhenToReply != nil {
		if ov.WhenToReply.Mode != nil {
			out.WhenToReply.Mode = *ov.WhenToReply.Mode
		}
		if ov.WhenToReply.Senders != nil {
			out.WhenToReply.Senders = copyStrings(ov.WhenToReply.Senders)
		}
	}
	if ov.BlockedSenders != nil && ov.BlockedSenders.Senders != nil {
		out.BlockedSenders.Senders = copyStrings(ov.BlockedSenders.Senders)
	}
	if ov.AllowedTools != nil {
		if ov.AllowedTools.Mode != nil {
			out.AllowedTools.Mode = *ov.AllowedTools.Mode
		}
		if ov.AllowedTools.Tools != nil {
			out.AllowedTools.Tools = copyStrings(ov.AllowedTools.Tools)
		}
		if ov.AllowedTools.Deny != nil {
			out.AllowedTools.Deny = copyStrings(ov.AllowedTools.Deny)
		}
	}
	for name, acc := range ov.ToolAccess {
		if out.ToolAccess == nil {
			out.ToolAccess = map[string]ToolAccess{}
		}
		cur := out.ToolAccess[name]
		if acc.Mode != nil {
			cur.Mode = *acc.Mode
		}
		if acc.Senders != nil {
			cur.Senders = copyStrings(acc.Senders)
		}
		out.ToolAccess[name] = cur
	}
	if ov.VoiceInput != nil && ov.VoiceInput.WakePhrases != nil {
		out.VoiceInput.WakePhrases = copyStrings(ov.VoiceInput.WakePhrases)
	}
	if ov.VoiceOutput != nil {
		vo := ov.VoiceOutput
		if vo.Mode != nil {
			out.VoiceOutput.Mode = *vo.Mode
		}
		if vo.TTSRoute != nil {
			out.VoiceOutput.TTSRoute = *vo.TTSRoute
		}
		if vo.Voice != nil {
			out.VoiceOutput.Voice = *vo.Voice
		}
		if vo.Format != nil {
			out.VoiceOutput.Format = *vo.Format
		}
		if vo.MaxSentences != nil {
			out.VoiceOutput.MaxSentences = *vo.MaxSentences
		}
		if vo.MaxChars != nil {
			out.VoiceOutput.MaxChars = *vo.MaxChars
		}
	}
	if ov.PersonaFile != nil {
		out.PersonaFile = *ov.PersonaFile
	}
	if ov.GroupTags != nil {
		out.GroupTags = copyStrings(ov.GroupTags)
	}
	return out
}

// mergeNotes layers notes overrides onto a resolved capture setting.
// nil fields inherit.
func mergeNotes(base core.NotesCapture, overrides ...*NotesOverride) core.NotesCapture {
	out := base
	for _, ov := range overrides {
		if ov == nil {
			continue
		}
		if ov.Enabled != nil {
			out.Enabled = *ov.Enabled
		}
		if ov.Mode != nil {
			out.Mode = *ov.Mode
		}
		if ov.AllowBlockedSenders != nil {
			out.AllowBlockedSenders = *ov.AllowBlockedSenders
		}
	}
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyToolAccess(in map[string]ToolAccess) map[string]ToolAccess {
	if in == nil {
		return nil
	}
	out := make(map[string]ToolAccess, len(in))
	for k, v := range in {
		v.Senders = copyStrings(v.Senders)
		out[k] = v
	}
	return out
}
