package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quietloop/steward/internal/core"
)

func writePolicy(t *testing.T, path string, doc *Document) {
	t.Helper()
	if err := Save(path, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

// bumpMtime pushes the file mtime forward past filesystem timestamp
// granularity so the poll sees a change.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func testEvent(channel, chat, sender string) *core.InboundEvent {
	return &core.InboundEvent{
		Channel:  channel,
		ChatID:   chat,
		SenderID: sender,
		Content:  "hello",
	}
}

func TestWatcherDecisionCarriesVoiceNotesOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")

	doc := DefaultDocument()
	doc.Owners["whatsapp"] = []string{"+491700000009"}
	mode := core.VoiceModeInKind
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{
			WhenToReply: &WhenToReplyOverride{Mode: sp("all")},
			VoiceOutput: &VoiceOutputOverride{Mode: &mode},
		},
	}
	writePolicy(t, path, doc)

	w, err := NewWatcher(path, dir, testTools, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	d := w.Evaluate(testEvent("whatsapp", "dm", "491700000009@s.whatsapp.net"))
	if !d.AcceptMessage || !d.ShouldRespond {
		t.Fatalf("owner DM rejected: %+v", d)
	}
	if !d.IsOwner {
		t.Error("IsOwner = false for configured owner")
	}
	if d.Voice.Mode != core.VoiceModeInKind {
		t.Errorf("voice mode = %q, want in_kind", d.Voice.Mode)
	}
	if d.Voice.Route != "tts.speak" || d.Voice.Format != "opus" {
		t.Errorf("voice defaults not inherited: %+v", d.Voice)
	}
	if d.WhenToReplyMode != core.ReplyModeAll {
		t.Errorf("whenToReplyMode = %q, want all", d.WhenToReplyMode)
	}
	if d.Notes.Enabled {
		t.Errorf("dm notes enabled by default: %+v", d.Notes)
	}
	if d.Notes.Mode != NotesAdaptive {
		t.Errorf("notes mode = %q, want adaptive", d.Notes.Mode)
	}

	// Outside the governed channels everything passes with defaults.
	cli := w.Evaluate(testEvent("cli", "local", "me"))
	if cli.Reason != "policy_not_applied" {
		t.Errorf("cli reason = %q", cli.Reason)
	}
	if cli.Voice.Mode != core.VoiceModeText {
		t.Errorf("cli voice mode = %q, want text", cli.Voice.Mode)
	}
}

func TestWatcherHotReloadSwapsEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")

	doc := DefaultDocument()
	doc.Runtime.ReloadCheckIntervalSeconds = 0.1
	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{WhenToReply: &WhenToReplyOverride{Mode: sp("all")}},
	}
	writePolicy(t, path, doc)

	w, err := NewWatcher(path, dir, testTools, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if d := w.Evaluate(testEvent("whatsapp", "dm", "x")); !d.ShouldRespond {
		t.Fatalf("initial policy did not respond: %+v", d)
	}

	doc.Channels["whatsapp"] = ChannelPolicy{
		Default: ChatPolicyOverride{WhenToReply: &WhenToReplyOverride{Mode: sp("off")}},
	}
	writePolicy(t, path, doc)
	bumpMtime(t, path)
	time.Sleep(150 * time.Millisecond)

	d := w.Evaluate(testEvent("whatsapp", "dm", "x"))
	if d.ShouldRespond {
		t.Fatalf("edited policy not picked up: %+v", d)
	}
	if d.Reason != "when_to_reply:off" {
		t.Errorf("reason = %q, want when_to_reply:off", d.Reason)
	}
}

func TestWatcherKeepsEngineOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")

	doc := DefaultDocument()
	doc.Runtime.ReloadCheckIntervalSeconds = 0.1
	writePolicy(t, path, doc)

	w, err := NewWatcher(path, dir, testTools, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"version": `), 0o644); err != nil {
		t.Fatal(err)
	}
	bumpMtime(t, path)
	time.Sleep(150 * time.Millisecond)

	d := w.Evaluate(testEvent("whatsapp", "dm", "x"))
	if !d.AcceptMessage {
		t.Fatalf("previous engine lost after broken edit: %+v", d)
	}
	if w.Engine().Document().Version != DocumentVersion {
		t.Errorf("engine swapped to broken document")
	}
}

func TestWatcherApplyRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	writePolicy(t, path, DefaultDocument())

	w, err := NewWatcher(path, dir, testTools, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	before := w.Hash()

	bad := DefaultDocument()
	bad.Defaults.WhoCanTalk.Mode = WhoOwnerOnly
	if err := w.Apply(bad); err == nil {
		t.Fatal("Apply accepted owner_only without owners")
	}
	if w.Hash() != before {
		t.Error("engine swapped despite rejected Apply")
	}

	good := DefaultDocument()
	good.Owners["whatsapp"] = []string{"+491700000009"}
	good.Owners["telegram"] = []string{"123"}
	good.Defaults.WhoCanTalk.Mode = WhoOwnerOnly
	if err := w.Apply(good); err != nil {
		t.Fatalf("Apply rejected valid document: %v", err)
	}
	if w.Hash() == before {
		t.Error("hash unchanged after successful Apply")
	}
}

func TestNewWatcherRejectsInvalidStartupPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	doc := DefaultDocument()
	doc.Defaults.WhenToReply.Mode = WhoOwnerOnly
	writePolicy(t, path, doc)

	if _, err := NewWatcher(path, dir, testTools, nil); err == nil {
		t.Fatal("startup accepted owner_only without owners")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"version": 2, "surprise": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != DocumentVersion {
		t.Errorf("version = %d, want %d", doc.Version, DocumentVersion)
	}
	if doc.Channels["whatsapp"].Default.WhenToReply == nil {
		t.Error("default document missing whatsapp mention_only override")
	}
}

func TestSaveRoundTripPreservesExplicitClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	doc := DefaultDocument()
	doc.Channels["whatsapp"] = ChannelPolicy{
		Chats: map[string]*ChatPolicyOverride{
			"dm1": {WhenToReply: &WhenToReplyOverride{Mode: sp("allowed_senders"), Senders: []string{}}},
			"dm2": {WhenToReply: &WhenToReplyOverride{Mode: sp("allowed_senders")}},
		},
	}
	writePolicy(t, path, doc)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"senders": []`) {
		t.Error("explicit empty senders list not serialized")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dm1 := loaded.Channels["whatsapp"].Chats["dm1"].WhenToReply
	if dm1.Senders == nil || len(dm1.Senders) != 0 {
		t.Errorf("dm1 senders = %#v, want empty non-nil", dm1.Senders)
	}
	dm2 := loaded.Channels["whatsapp"].Chats["dm2"].WhenToReply
	if dm2.Senders != nil {
		t.Errorf("dm2 senders = %#v, want nil (inherit)", dm2.Senders)
	}
}

func TestHashStableAcrossClone(t *testing.T) {
	doc := DefaultDocument()
	clone, err := Clone(doc)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	h1, err := Hash(doc)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(clone)
	if err != nil {
		t.Fatalf("Hash clone: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs across clone: %s vs %s", h1, h2)
	}

	clone.Defaults.WhenToReply.Mode = "off"
	h3, _ := Hash(clone)
	if h3 == h1 {
		t.Error("hash unchanged after mutation")
	}
	if doc.Defaults.WhenToReply.Mode == "off" {
		t.Error("Clone shares memory with source")
	}
}

func TestEnsureFileCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.json")
	doc, created, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if !created {
		t.Error("created = false on first call")
	}
	if doc.Version != DocumentVersion {
		t.Errorf("version = %d", doc.Version)
	}

	_, created, err = EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile second call: %v", err)
	}
	if created {
		t.Error("created = true on existing file")
	}
}
