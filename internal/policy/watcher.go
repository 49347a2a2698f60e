package policy

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quietloop/steward/internal/core"
)

// Watcher owns the live policy engine: it evaluates inbound events,
// polls the document for edits, and swaps in a freshly compiled engine
// when the file changes or an admin commit lands. Consumers always see
// a complete engine; a broken edit keeps the previous one.
type Watcher struct {
	path          string
	workspace     string
	knownTools    []string
	applyChannels []string
	personas      *PersonaCache

	engine atomic.Pointer[Engine]

	mu             sync.Mutex
	reloadOnChange bool
	interval       time.Duration
	lastCheck      time.Time
	lastMtime      int64

	mentionWarned sync.Map // chat key -> struct{}
}

// NewWatcher loads, compiles and validates the document at path. A
// validation failure here is fatal; after startup the same failure only
// rejects the offending reload.
func NewWatcher(path, workspace string, knownTools []string, applyChannels []string) (*Watcher, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	engine := NewEngine(doc, workspace, applyChannels)
	if err := engine.Validate(knownTools); err != nil {
		return nil, err
	}
	w := &Watcher{
		path:          path,
		workspace:     workspace,
		knownTools:    append([]string(nil), knownTools...),
		applyChannels: applyChannels,
		personas:      NewPersonaCache(workspace),
	}
	w.engine.Store(engine)
	w.lastMtime = statMtime(path)
	w.lastCheck = time.Now()
	w.readRuntime(doc)
	return w, nil
}

// Engine returns the current compiled engine snapshot.
func (w *Watcher) Engine() *Engine { return w.engine.Load() }

// Path returns the on-disk policy document location.
func (w *Watcher) Path() string { return w.path }

// Workspace returns the workspace persona paths resolve against.
func (w *Watcher) Workspace() string { return w.workspace }

// KnownTools returns the registered tool names the watcher validates
// against.
func (w *Watcher) KnownTools() []string {
	return append([]string(nil), w.knownTools...)
}

// Hash returns the canonical hash of the active document.
func (w *Watcher) Hash() string {
	h, err := Hash(w.Engine().Document())
	if err != nil {
		return ""
	}
	return h
}

// IsOwner reports whether the event sender is a configured owner.
func (w *Watcher) IsOwner(ev *core.InboundEvent) bool {
	return w.Engine().IsOwner(ActorFor(ev))
}

// OwnerRecipients returns trimmed owner ids configured for a channel.
func (w *Watcher) OwnerRecipients(channel string) []string {
	w.maybeReload()
	var out []string
	for _, v := range w.Engine().OwnerRecipients(channel) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Apply swaps in an already-saved document, typically after an admin
// commit. Validation failures reject the swap.
func (w *Watcher) Apply(doc *Document) error {
	engine := NewEngine(doc, w.workspace, w.applyChannels)
	if err := engine.Validate(w.knownTools); err != nil {
		return err
	}
	w.engine.Store(engine)
	w.mu.Lock()
	w.lastMtime = statMtime(w.path)
	w.lastCheck = time.Now()
	w.mu.Unlock()
	w.readRuntime(doc)
	return nil
}

// Evaluate produces the full decision for one inbound event: engine
// verdict plus voice, notes, persona and ownership.
func (w *Watcher) Evaluate(ev *core.InboundEvent) core.PolicyDecision {
	w.maybeReload()

	engine := w.Engine()
	actor := ActorFor(ev)
	eval := engine.Evaluate(actor, w.knownTools)

	d := core.PolicyDecision{
		AcceptMessage:   eval.AcceptMessage,
		ShouldRespond:   eval.ShouldRespond,
		Reason:          eval.Reason,
		AllowedTools:    eval.AllowedTools,
		WhenToReplyMode: core.ReplyModeAll,
		IsOwner:         engine.IsOwner(actor),
		PersonaFile:     eval.PersonaFile,
		Voice: core.VoiceSettings{
			Mode:         core.VoiceModeText,
			Route:        "tts.speak",
			Voice:        "alloy",
			Format:       "opus",
			MaxSentences: 2,
			MaxChars:     150,
		},
	}
	if engine.AppliesTo(ev.Channel) {
		resolved := engine.Resolve(ev.Channel, ev.ChatID)
		if resolved.WhenToReply.Mode != "" {
			d.WhenToReplyMode = resolved.WhenToReply.Mode
		}
		d.Voice = engine.VoiceSettings(ev.Channel, ev.ChatID)
	}
	d.Notes = engine.ResolveMemoryNotes(ev.Channel, ev.ChatID, ev.IsGroup)
	d.PersonaText = w.personas.Text(eval.PersonaFile)

	w.noteMentionGap(ev, &d)
	return d
}

// noteMentionGap warns once per chat when a WhatsApp group message is
// dropped under mention_only and the bridge payload carried no mention
// metadata at all, so the operator can tell a policy drop from a bridge
// gap.
func (w *Watcher) noteMentionGap(ev *core.InboundEvent, d *core.PolicyDecision) {
	if d.ShouldRespond || ev.Channel != "whatsapp" || !ev.IsGroup {
		return
	}
	if !strings.HasSuffix(d.Reason, "mention_only_group") {
		return
	}
	if ev.Meta["mention_metadata"] != "missing" {
		return
	}
	key := ev.Channel + ":" + ev.ChatID
	if _, warned := w.mentionWarned.LoadOrStore(key, struct{}{}); warned {
		return
	}
	slog.Warn("group message dropped without mention metadata",
		"channel", ev.Channel,
		"chat", ev.ChatID,
		"hint", "bridge payload had no mentions; replies require @mention or reply-to-bot")
}

// Close releases the persona cache watcher.
func (w *Watcher) Close() error { return w.personas.Close() }

func (w *Watcher) readRuntime(doc *Document) {
	interval := doc.Runtime.ReloadCheckIntervalSeconds
	if interval < 0.1 {
		interval = 0.1
	}
	w.mu.Lock()
	w.reloadOnChange = doc.Runtime.ReloadOnChange
	w.interval = time.Duration(interval * float64(time.Second))
	w.mu.Unlock()
}

func (w *Watcher) maybeReload() {
	w.mu.Lock()
	if !w.reloadOnChange || time.Since(w.lastCheck) < w.interval {
		w.mu.Unlock()
		return
	}
	w.lastCheck = time.Now()
	mtime := statMtime(w.path)
	if mtime == w.lastMtime {
		w.mu.Unlock()
		return
	}
	w.lastMtime = mtime
	w.mu.Unlock()

	doc, err := Load(w.path)
	if err != nil {
		slog.Warn("policy reload failed", "path", w.path, "error", err)
		return
	}
	engine := NewEngine(doc, w.workspace, w.applyChannels)
	if err := engine.Validate(w.knownTools); err != nil {
		slog.Warn("policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.engine.Store(engine)
	w.readRuntime(doc)
	slog.Info("policy reloaded", "path", w.path)
}

// ActorFor builds the policy actor for an inbound event, expanding the
// sender identity from the raw id and channel metadata.
func ActorFor(ev *core.InboundEvent) Actor {
	identity := ResolveActorIdentity(ev.Channel, ev.SenderID, ev.Meta)
	return Actor{
		Channel:       ev.Channel,
		ChatID:        ev.ChatID,
		SenderPrimary: identity.Primary,
		SenderAliases: identity.Aliases,
		IsGroup:       ev.IsGroup,
		MentionedBot:  ev.MentionedBot,
		ReplyToBot:    ev.ReplyToBot,
		Content:       ev.Content,
		IsVoice:       ev.IsVoice || ev.MediaKind == "audio",
	}
}

func statMtime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}
