package pipeline

import (
	"context"
	"strings"

	"github.com/quietloop/steward/internal/core"
)

// Acknowledgement reactions for captured items.
const (
	ideaEmoji    = "💡"
	backlogEmoji = "📌"
)

// IdeaCapture intercepts explicitly tagged idea and backlog messages on
// WhatsApp and records them as manual memories instead of generating a
// reply. The sender gets a reaction as the only acknowledgement.
type IdeaCapture struct {
	security InputSecurity
}

func NewIdeaCapture(security InputSecurity) *IdeaCapture {
	return &IdeaCapture{security: security}
}

func (*IdeaCapture) Name() string { return "idea_capture" }

// capturePrefixes maps accepted markers to the memory kind. Matching is
// case-insensitive and the marker must lead the message.
var capturePrefixes = []struct {
	prefix string
	kind   string
}{
	{"[idea]", core.MemoryKindIdea},
	{"idea:", core.MemoryKindIdea},
	{"#idea", core.MemoryKindIdea},
	{"[backlog]", core.MemoryKindBacklog},
	{"backlog:", core.MemoryKindBacklog},
	{"#backlog", core.MemoryKindBacklog},
}

func (m *IdeaCapture) Handle(ctx context.Context, pc *Context, next Next) error {
	ev := pc.Event
	if ev.Channel != "whatsapp" || pc.Decision == nil || !pc.Decision.AcceptMessage {
		return next(ctx)
	}

	kind, body, ok := matchCapture(ev.Content)
	if !ok {
		return next(ctx)
	}

	canonical := canonicalMemory(kind, body)
	if m.security != nil {
		result := m.security.CheckInput(canonical, map[string]any{
			"channel": ev.Channel,
			"chat_id": ev.ChatID,
			"stage":   "idea_capture",
		})
		if result.Decision.Action == core.SecurityBlock {
			pc.Metric("idea_capture_blocked", "kind", kind, "reason", result.Decision.Reason)
			pc.Halt()
			return nil
		}
	}

	pc.Emit(core.RecordManualMemoryIntent{
		Kind:     kind,
		Content:  canonical,
		Channel:  ev.Channel,
		ChatID:   ev.ChatID,
		SenderID: ev.SenderID,
	})
	if ev.MessageID != "" {
		emoji := ideaEmoji
		if kind == core.MemoryKindBacklog {
			emoji = backlogEmoji
		}
		pc.Emit(core.SendReactionIntent{Event: core.ReactionEvent{
			Channel:   ev.Channel,
			ChatID:    ev.ChatID,
			MessageID: ev.MessageID,
			Emoji:     emoji,
		}})
	}
	pc.Metric("idea_capture_saved", "kind", kind)
	pc.Halt()
	return nil
}

// matchCapture returns the memory kind and the text after the marker.
// A marker with no body does not capture.
func matchCapture(content string) (kind, body string, ok bool) {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	for _, p := range capturePrefixes {
		if !strings.HasPrefix(lower, p.prefix) {
			continue
		}
		rest := strings.TrimSpace(trimmed[len(p.prefix):])
		if rest == "" {
			return "", "", false
		}
		return p.kind, rest, true
	}
	return "", "", false
}

func canonicalMemory(kind, body string) string {
	if kind == core.MemoryKindBacklog {
		return "[BACKLOG] " + body
	}
	return "[IDEA] " + body
}
