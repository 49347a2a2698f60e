package policy

import (
	"slices"
	"strings"
	"testing"
)

func sp(s string) *string { return &s }

var testTools = []string{"exec", "list_dir", "read_file", "spawn", "web_fetch"}

func testActor(channel, chat, sender string) Actor {
	id := ResolveActorIdentity(channel, sender, nil)
	return Actor{
		Channel:       channel,
		ChatID:        chat,
		SenderPrimary: id.Primary,
		SenderAliases: id.Aliases,
	}
}

func TestEvaluateChannelNotApplied(t *testing.T) {
	e := NewEngine(DefaultDocument(), t.TempDir(), nil)

	got := e.Evaluate(testActor("cli", "local", "me"), testTools)
	if !got.AcceptMessage || !got.ShouldRespond {
		t.Fatalf("accept=%v respond=%v, want true/true", got.AcceptMessage, got.ShouldRespond)
	}
	if got.Reason != "policy_not_applied" {
		t.Errorf("reason = %q, want policy_not_applied", got.Reason)
	}
	if !slices.Equal(got.AllowedTools, testTools) {
		t.Errorf("tools = %v, want all known tools", got.AllowedTools)
	}
}

func TestEvaluateBlockedSenderWinsOverEveryone(t *testing.T) {
	doc := DefaultDocument()
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhenToReply: &WhenToReplyOverride{Mode: sp("all")},
			BlockedSenders: &BlockedSendersOverride{
				Senders: []string{"+4917000001"},
			},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	got := e.Evaluate(testActor("whatsapp", "chat1", "4917000001:3@s.whatsapp.net"), testTools)
	if got.AcceptMessage || got.ShouldRespond {
		t.Fatalf("blocked sender accepted: %+v", got)
	}
	if got.Reason != "blocked_sender" {
		t.Errorf("reason = %q, want blocked_sender", got.Reason)
	}

	other := e.Evaluate(testActor("whatsapp", "chat1", "4917000002@s.whatsapp.net"), testTools)
	if !other.AcceptMessage || !other.ShouldRespond {
		t.Fatalf("unblocked sender rejected: %+v", other)
	}
	if other.Reason != "who_can_talk:everyone|when_to_reply:all" {
		t.Errorf("reason = %q, want pipe-joined accept|reply", other.Reason)
	}
}

func TestEvaluateAllowlistMatchesJIDAliases(t *testing.T) {
	doc := DefaultDocument()
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhoCanTalk:  &WhoCanTalkOverride{Mode: sp(WhoAllowlist), Senders: []string{"+491701234567"}},
			WhenToReply: &WhenToReplyOverride{Mode: sp("all")},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	// Device-suffixed JID resolves to the same phone number.
	got := e.Evaluate(testActor("whatsapp", "dm1", "491701234567:22@s.whatsapp.net"), testTools)
	if !got.AcceptMessage {
		t.Fatalf("allowlisted JID variant rejected: %+v", got)
	}

	stranger := e.Evaluate(testActor("whatsapp", "dm1", "490000000000@s.whatsapp.net"), testTools)
	if stranger.AcceptMessage {
		t.Fatalf("stranger accepted under allowlist: %+v", stranger)
	}
	if stranger.Reason != "who_can_talk:allowlist" {
		t.Errorf("reason = %q, want who_can_talk:allowlist", stranger.Reason)
	}
}

func TestEvaluateMentionOnlyGroup(t *testing.T) {
	e := NewEngine(DefaultDocument(), t.TempDir(), nil)

	base := testActor("whatsapp", "team@g.us", "491700000001@s.whatsapp.net")
	base.IsGroup = true

	plain := e.Evaluate(base, testTools)
	if !plain.AcceptMessage || plain.ShouldRespond {
		t.Fatalf("unaddressed group message: accept=%v respond=%v, want true/false", plain.AcceptMessage, plain.ShouldRespond)
	}
	if plain.Reason != "when_to_reply:mention_only_group" {
		t.Errorf("reason = %q, want when_to_reply:mention_only_group", plain.Reason)
	}

	mentioned := base
	mentioned.MentionedBot = true
	if got := e.Evaluate(mentioned, testTools); !got.ShouldRespond {
		t.Errorf("mention did not trigger a response: %+v", got)
	}

	replied := base
	replied.ReplyToBot = true
	if got := e.Evaluate(replied, testTools); !got.ShouldRespond {
		t.Errorf("reply-to-bot did not trigger a response: %+v", got)
	}

	dm := testActor("whatsapp", "dm", "491700000001@s.whatsapp.net")
	if got := e.Evaluate(dm, testTools); !got.ShouldRespond {
		t.Errorf("mention_only DM suppressed: %+v", got)
	}
	if got := e.Evaluate(dm, testTools); got.Reason != "who_can_talk:everyone|when_to_reply:mention_only_dm" {
		t.Errorf("dm reason = %q", got.Reason)
	}
}

func TestEvaluateWakePhrasePassesVoiceOnly(t *testing.T) {
	doc := DefaultDocument()
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhenToReply: &WhenToReplyOverride{Mode: sp("mention_only")},
			VoiceInput:  &VoiceInputOverride{WakePhrases: []string{"hey steward"}},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	voice := testActor("whatsapp", "team@g.us", "491700000001@s.whatsapp.net")
	voice.IsGroup = true
	voice.IsVoice = true
	voice.Content = "Hey, Steward! What's on today?"

	got := e.Evaluate(voice, testTools)
	if !got.ShouldRespond {
		t.Fatalf("wake phrase in voice message did not pass: %+v", got)
	}

	text := voice
	text.IsVoice = false
	if got := e.Evaluate(text, testTools); got.ShouldRespond {
		t.Errorf("wake phrase passed for a non-voice message: %+v", got)
	}

	noPhrase := voice
	noPhrase.Content = "good morning everyone"
	if got := e.Evaluate(noPhrase, testTools); got.ShouldRespond {
		t.Errorf("voice message without wake phrase passed: %+v", got)
	}
}

func TestEvaluateOwnerOnlyUsesAliases(t *testing.T) {
	doc := DefaultDocument()
	doc.Owners["telegram"] = []string{"@Quietloop"}
	doc.Channels["telegram"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhenToReply: &WhenToReplyOverride{Mode: sp("owner_only")},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	owner := e.Evaluate(testActor("telegram", "dm", "quietloop"), testTools)
	if !owner.ShouldRespond {
		t.Fatalf("owner rejected: %+v", owner)
	}

	stranger := e.Evaluate(testActor("telegram", "dm", "somebody"), testTools)
	if stranger.ShouldRespond {
		t.Fatalf("non-owner passed owner_only: %+v", stranger)
	}
	if !stranger.AcceptMessage {
		t.Errorf("owner_only reply gate rejected acceptance: %+v", stranger)
	}
	if stranger.Reason != "when_to_reply:owner_only" {
		t.Errorf("reason = %q", stranger.Reason)
	}
}

func TestResolveAllowedToolsDenyAndGuardrail(t *testing.T) {
	doc := DefaultDocument()
	doc.Defaults.AllowedTools = AllowedTools{
		Mode:  ToolsAll,
		Tools: []string{},
		Deny:  []string{"web_fetch"},
	}
	e := NewEngine(doc, t.TempDir(), nil)
	actor := testActor("whatsapp", "dm", "491700000001")

	got := e.Evaluate(actor, testTools)
	if slices.Contains(got.AllowedTools, "web_fetch") {
		t.Errorf("deny list ignored: %v", got.AllowedTools)
	}
	if !slices.Contains(got.AllowedTools, "spawn") {
		t.Errorf("spawn missing although exec is allowed: %v", got.AllowedTools)
	}

	// Denying exec must also strip spawn.
	doc2 := DefaultDocument()
	doc2.Defaults.AllowedTools = AllowedTools{Mode: ToolsAll, Deny: []string{"exec"}}
	e2 := NewEngine(doc2, t.TempDir(), nil)
	got2 := e2.Evaluate(actor, testTools)
	if slices.Contains(got2.AllowedTools, "spawn") {
		t.Errorf("spawn allowed without exec: %v", got2.AllowedTools)
	}

	// Unknown tools in the allowlist never surface.
	doc3 := DefaultDocument()
	doc3.Defaults.AllowedTools = AllowedTools{Mode: ToolsAllowlist, Tools: []string{"read_file", "made_up"}}
	e3 := NewEngine(doc3, t.TempDir(), nil)
	got3 := e3.Evaluate(actor, testTools)
	if !slices.Equal(got3.AllowedTools, []string{"read_file"}) {
		t.Errorf("tools = %v, want [read_file]", got3.AllowedTools)
	}
}

func TestToolAccessFiltersBySenderWithOwnerBypass(t *testing.T) {
	doc := DefaultDocument()
	doc.Owners["whatsapp"] = []string{"+491700000009"}
	doc.Defaults.AllowedTools = AllowedTools{Mode: ToolsAll}
	doc.Defaults.ToolAccess = map[string]ToolAccess{
		"exec": {Mode: WhoAllowlist, Senders: []string{"+491700000001"}},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	allowed := e.Evaluate(testActor("whatsapp", "dm", "491700000001@s.whatsapp.net"), testTools)
	if !slices.Contains(allowed.AllowedTools, "exec") {
		t.Errorf("allowlisted sender lost exec: %v", allowed.AllowedTools)
	}

	denied := e.Evaluate(testActor("whatsapp", "dm", "491700000002@s.whatsapp.net"), testTools)
	if slices.Contains(denied.AllowedTools, "exec") {
		t.Errorf("unlisted sender kept exec: %v", denied.AllowedTools)
	}
	if slices.Contains(denied.AllowedTools, "spawn") {
		t.Errorf("spawn survived exec removal: %v", denied.AllowedTools)
	}

	owner := e.Evaluate(testActor("whatsapp", "dm", "491700000009@s.whatsapp.net"), testTools)
	if !slices.Contains(owner.AllowedTools, "exec") {
		t.Errorf("owner did not bypass tool access: %v", owner.AllowedTools)
	}
}

func TestMergePrecedenceChatOverChannelOverDefaults(t *testing.T) {
	doc := DefaultDocument()
	doc.Defaults.WhenToReply = WhenToReply{Mode: "all", Senders: []string{}}
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhenToReply: &WhenToReplyOverride{Mode: sp("mention_only")},
		},
		Chats: map[string]*ChatPolicyOverride{
			"vip@g.us": {WhenToReply: &WhenToReplyOverride{Mode: sp("all")}},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	if got := e.Resolve("whatsapp", "vip@g.us"); got.WhenToReply.Mode != "all" {
		t.Errorf("chat override mode = %q, want all", got.WhenToReply.Mode)
	}
	if got := e.Resolve("whatsapp", "other@g.us"); got.WhenToReply.Mode != "mention_only" {
		t.Errorf("channel default mode = %q, want mention_only", got.WhenToReply.Mode)
	}
	if got := e.Resolve("telegram", "dm"); got.WhenToReply.Mode != "mention_only" {
		t.Errorf("telegram default mode = %q, want mention_only", got.WhenToReply.Mode)
	}

	// Lists replace rather than concatenate.
	doc2 := DefaultDocument()
	doc2.Defaults.BlockedSenders = BlockedSenders{Senders: []string{"+1", "+2"}}
	doc2.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			BlockedSenders: &BlockedSendersOverride{Senders: []string{"+3"}},
		},
	}
	e2 := NewEngine(doc2, t.TempDir(), nil)
	got := e2.Resolve("whatsapp", "any")
	if !slices.Equal(got.BlockedSenders.Senders, []string{"+3"}) {
		t.Errorf("blocked senders = %v, want [+3]", got.BlockedSenders.Senders)
	}
}

func TestValidateOwnerOnlyRequiresOwners(t *testing.T) {
	doc := DefaultDocument()
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhoCanTalk: &WhoCanTalkOverride{Mode: sp(WhoOwnerOnly)},
		},
	}
	e := NewEngine(doc, t.TempDir(), nil)

	err := e.Validate(testTools)
	if err == nil {
		t.Fatal("owner_only with empty owners validated")
	}
	if !strings.Contains(err.Error(), "owners.whatsapp is empty") {
		t.Errorf("error = %v, want owners.whatsapp mention", err)
	}

	doc.Owners["whatsapp"] = []string{"+491700000009"}
	if err := NewEngine(doc, t.TempDir(), nil).Validate(testTools); err != nil {
		t.Errorf("Validate with owners: %v", err)
	}
}

func TestValidateRejectsUnknownTools(t *testing.T) {
	doc := DefaultDocument()
	doc.Defaults.AllowedTools = AllowedTools{Mode: ToolsAllowlist, Tools: []string{"read_file", "teleport"}}
	err := NewEngine(doc, t.TempDir(), nil).Validate(testTools)
	if err == nil {
		t.Fatal("unknown allowlist tool validated")
	}
	if !strings.Contains(err.Error(), "unknown tools in allowlist at defaults.allowedTools: teleport") {
		t.Errorf("error = %v", err)
	}

	doc2 := DefaultDocument()
	doc2.Channels["telegram"] = ChannelPolicy{
		Chats: map[string]*ChatPolicyOverride{
			"42": {AllowedTools: &AllowedToolsOverride{Deny: []string{"warp"}}},
		},
	}
	err2 := NewEngine(doc2, t.TempDir(), nil).Validate(testTools)
	if err2 == nil {
		t.Fatal("unknown deny tool validated")
	}
	if !strings.Contains(err2.Error(), "unknown tools in deny list at channels.telegram.chats.42.allowedTools: warp") {
		t.Errorf("error = %v", err2)
	}
}

func TestValidateRejectsPersonaOutsideWorkspace(t *testing.T) {
	doc := DefaultDocument()
	doc.Defaults.PersonaFile = "../outside.md"
	err := NewEngine(doc, t.TempDir(), nil).Validate(testTools)
	if err == nil {
		t.Fatal("persona escape validated")
	}
	if !strings.Contains(err.Error(), "invalid personaFile at defaults.personaFile") {
		t.Errorf("error = %v", err)
	}
}

func TestResolveMemoryNotes(t *testing.T) {
	doc := DefaultDocument()
	e := NewEngine(doc, t.TempDir(), nil)

	group := e.ResolveMemoryNotes("whatsapp", "team@g.us", true)
	if !group.Enabled {
		t.Errorf("group notes disabled by default: %+v", group)
	}
	if group.Mode != NotesAdaptive {
		t.Errorf("mode = %q, want adaptive", group.Mode)
	}

	dm := e.ResolveMemoryNotes("whatsapp", "dm", false)
	if dm.Enabled {
		t.Errorf("dm notes enabled by default: %+v", dm)
	}

	off := e.ResolveMemoryNotes("discord", "anywhere", true)
	if off.Enabled {
		t.Errorf("notes enabled outside apply channels: %+v", off)
	}

	enabled := true
	doc2 := DefaultDocument()
	doc2.MemoryNotes.Channels["whatsapp"] = NotesChannel{
		Chats: map[string]NotesOverride{
			"quiet@g.us": {Enabled: new(bool)},
			"dm2":        {Enabled: &enabled, Mode: sp(NotesHeuristic)},
		},
	}
	e2 := NewEngine(doc2, t.TempDir(), nil)
	if got := e2.ResolveMemoryNotes("whatsapp", "quiet@g.us", true); got.Enabled {
		t.Errorf("chat override did not disable group notes: %+v", got)
	}
	got := e2.ResolveMemoryNotes("whatsapp", "dm2", false)
	if !got.Enabled || got.Mode != NotesHeuristic {
		t.Errorf("chat override did not enable dm notes: %+v", got)
	}
}

func TestNotesBatchFloors(t *testing.T) {
	doc := DefaultDocument()
	doc.MemoryNotes.Batch = NotesBatch{}
	e := NewEngine(doc, t.TempDir(), nil)
	interval, max := e.NotesBatch()
	if interval != 1800 || max != 100 {
		t.Errorf("batch = %d/%d, want 1800/100", interval, max)
	}
}
