package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/sessions"
)

// OwnerDirectory resolves the owner recipients for a channel.
type OwnerDirectory interface {
	OwnerRecipients(channel string) []string
}

// NewChatNotify sends the owner a one-time DM when the assistant is
// added to a WhatsApp group it has never seen. The stage observes and
// reports but never halts the chain.
type NewChatNotify struct {
	seen   *SeenChats
	owners OwnerDirectory
}

func NewNewChatNotify(seen *SeenChats, owners OwnerDirectory) *NewChatNotify {
	return &NewChatNotify{seen: seen, owners: owners}
}

func (*NewChatNotify) Name() string { return "new_chat_notify" }

func (m *NewChatNotify) Handle(ctx context.Context, pc *Context, next Next) error {
	ev := pc.Event
	if m.seen == nil || ev.Channel != "whatsapp" || !ev.IsGroup {
		return next(ctx)
	}
	key := sessions.Key(ev.Channel, ev.ChatID)
	first, err := m.seen.MarkSeen(key)
	if err != nil {
		slog.Warn("seen chats persist failed", "chat", key, "error", err)
	}
	if !first {
		return next(ctx)
	}
	pc.Metric("new_chat_seen", "channel", ev.Channel)

	targets := m.ownerTargets(ev.Channel)
	if len(targets) == 0 {
		return next(ctx)
	}
	text := m.notificationText(ev)
	for _, target := range targets {
		pc.Emit(core.SendOutboundIntent{Event: core.OutboundEvent{
			Channel: ev.Channel,
			ChatID:  target,
			Content: text,
		}})
	}
	pc.Metric("new_chat_owner_notified", "channel", ev.Channel)
	return next(ctx)
}

func (m *NewChatNotify) ownerTargets(channel string) []string {
	if m.owners == nil {
		return nil
	}
	raw := m.owners.OwnerRecipients(channel)
	targets := make([]string, 0, len(raw))
	for _, r := range raw {
		if t := normalizeOwnerTarget(channel, r); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

func (m *NewChatNotify) notificationText(ev *core.InboundEvent) string {
	name := metaFirst(ev.Meta, "group_name", "subject")
	desc := metaFirst(ev.Meta, "group_desc", "description")

	var b strings.Builder
	b.WriteString("New group chat detected\n")
	if name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	fmt.Fprintf(&b, "ID: %s\n", ev.ChatID)
	if desc != "" {
		fmt.Fprintf(&b, "About: %s\n", desc)
	}
	b.WriteString("\nQuick actions:\n")
	fmt.Fprintf(&b, "/approve %s\n", ev.ChatID)
	fmt.Fprintf(&b, "/approve-mention %s\n", ev.ChatID)
	fmt.Fprintf(&b, "/deny %s\n", ev.ChatID)
	b.WriteString("\nOr manage directly:\n")
	fmt.Fprintf(&b, "/policy allow-group %s\n", ev.ChatID)
	fmt.Fprintf(&b, "/policy set-when %s mention_only\n", ev.ChatID)
	fmt.Fprintf(&b, "/policy block-group %s", ev.ChatID)
	return b.String()
}

func metaFirst(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(meta[k]); v != "" {
			return v
		}
	}
	return ""
}

// normalizeOwnerTarget maps a configured owner identity to a sendable
// chat id. WhatsApp owners configured as bare phone numbers become
// user JIDs; anything already carrying a domain passes through.
func normalizeOwnerTarget(channel, target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if channel != "whatsapp" {
		return target
	}
	if strings.Contains(target, "@") {
		return target
	}
	digits := strings.TrimLeft(target, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return ""
		}
	}
	if digits == "" {
		return ""
	}
	return digits + "@s.whatsapp.net"
}
