package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quietloop/steward/internal/archive"
	"github.com/quietloop/steward/internal/config"
)

// Reply-context source tags recorded on the event.
const (
	ReplySourcePayload = "payload"
	ReplySourceArchive = "archive"
)

const (
	defaultWindowLimit  = 5
	defaultAmbientLimit = 8
	defaultLineMax      = 160
)

// ReplyContext builds the conversational windows the responder prompt
// consumes: an ambient window of the messages immediately before the
// current one, and, for quoted replies, a window before the quoted
// anchor plus the quoted text itself (resolved from the archive when
// the payload didn't carry it). WhatsApp only — other channels thread
// natively.
type ReplyContext struct {
	archive      ReplyArchive
	windowLimit  int
	ambientLimit int
	lineMax      int
}

func NewReplyContext(a ReplyArchive, cfg config.ReplyContextConfig) *ReplyContext {
	rc := &ReplyContext{
		archive:      a,
		windowLimit:  cfg.WindowLimit,
		ambientLimit: cfg.AmbientWindowLimit,
		lineMax:      cfg.LineMaxChars,
	}
	if rc.windowLimit <= 0 {
		rc.windowLimit = defaultWindowLimit
	}
	if rc.ambientLimit <= 0 {
		rc.ambientLimit = defaultAmbientLimit
	}
	if rc.lineMax <= 0 {
		rc.lineMax = defaultLineMax
	}
	return rc
}

func (*ReplyContext) Name() string { return "reply_context" }

func (r *ReplyContext) Handle(ctx context.Context, pc *Context, next Next) error {
	ev := pc.Event
	if r.archive == nil || ev.Channel != "whatsapp" {
		return next(ctx)
	}

	if ev.MessageID != "" {
		ev.AmbientWindow = r.windowBefore(ctx, ev.Channel, ev.ChatID, ev.MessageID, r.ambientLimit)
	}

	if ev.ReplyToMessageID != "" {
		r.resolveQuoted(ctx, pc)
		ev.ReplyWindow = r.windowBefore(ctx, ev.Channel, ev.ChatID, ev.ReplyToMessageID, r.windowLimit)
	}

	return next(ctx)
}

// resolveQuoted fills ReplyToText from the archive when the channel
// payload didn't quote the original, and tags where the text came from.
func (r *ReplyContext) resolveQuoted(ctx context.Context, pc *Context) {
	ev := pc.Event
	if ev.ReplyToText != "" {
		ev.ReplyContextSource = ReplySourcePayload
		return
	}

	row, err := r.archive.LookupMessage(ctx, ev.Channel, ev.ChatID, ev.ReplyToMessageID)
	if err != nil {
		slog.Warn("reply context lookup failed", "chat", ev.ChatID, "quoted", ev.ReplyToMessageID, "error", err)
	}
	if row == nil && err == nil {
		// The quote may point at a message archived under another chat
		// (forwards, channel migrations).
		row, err = r.archive.LookupMessageAnyChat(ctx, ev.Channel, ev.ReplyToMessageID, ev.ChatID)
		if err != nil {
			slog.Warn("reply context any-chat lookup failed", "quoted", ev.ReplyToMessageID, "error", err)
		}
	}

	if row == nil {
		pc.Metric("reply_context_archive_miss", "channel", ev.Channel)
		return
	}

	ev.ReplyToText = row.Text
	if ev.ReplyToParticipant == "" {
		ev.ReplyToParticipant = row.Participant
	}
	ev.ReplyContextSource = ReplySourceArchive
	pc.Metric("reply_context_archive_hit", "channel", ev.Channel)
}

// windowBefore returns formatted lines for the messages preceding the
// anchor, oldest first (the archive yields newest first; the prompt
// wants chronology).
func (r *ReplyContext) windowBefore(ctx context.Context, channel, chatID, anchor string, limit int) []string {
	rows, err := r.archive.LookupMessagesBefore(ctx, channel, chatID, anchor, limit)
	if err != nil {
		slog.Warn("reply context window failed", "chat", chatID, "anchor", anchor, "error", err)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	lines := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		lines = append(lines, r.formatLine(rows[i]))
	}
	return lines
}

func (r *ReplyContext) formatLine(row archive.Message) string {
	who := row.Participant
	if who == "" {
		who = row.SenderID
	}
	if who == "" {
		who = "unknown"
	}
	text := strings.Join(strings.Fields(row.Text), " ")
	// Clip on rune boundaries so CJK and emoji text stays valid UTF-8.
	if runes := []rune(text); len(runes) > r.lineMax {
		text = string(runes[:r.lineMax]) + "…"
	}
	return fmt.Sprintf("%s: %s", who, text)
}
