package pipeline

import (
	"context"
	"log/slog"

	"github.com/quietloop/steward/internal/archive"
	"github.com/quietloop/steward/internal/core"
)

// ReplyArchive is the subset of the reply archive the pipeline uses.
type ReplyArchive interface {
	Record(ctx context.Context, msg archive.Message) error
	LookupMessage(ctx context.Context, channel, chatID, messageID string) (*archive.Message, error)
	LookupMessageAnyChat(ctx context.Context, channel, messageID, preferredChatID string) (*archive.Message, error)
	LookupMessagesBefore(ctx context.Context, channel, chatID, anchorMessageID string, limit int) ([]archive.Message, error)
}

// Archiver records every inbound event in the reply archive. When the
// payload quotes another message, a synthetic row is seeded under the
// quoted id so later replies can resolve it even if the original never
// arrived here. Archive failures log and never drop the event.
type Archiver struct {
	archive ReplyArchive
}

func NewArchiver(a ReplyArchive) *Archiver {
	return &Archiver{archive: a}
}

func (*Archiver) Name() string { return "archive" }

func (a *Archiver) Handle(ctx context.Context, pc *Context, next Next) error {
	if a.archive == nil {
		return next(ctx)
	}
	ev := pc.Event

	if err := a.archive.Record(ctx, archiveRow(ev)); err != nil {
		slog.Warn("archive record failed", "channel", ev.Channel, "chat", ev.ChatID, "error", err)
	}

	if ev.ReplyToMessageID != "" && ev.ReplyToText != "" {
		synthetic := archive.Message{
			Channel:     ev.Channel,
			ChatID:      ev.ChatID,
			MessageID:   ev.ReplyToMessageID,
			Participant: ev.ReplyToParticipant,
			SenderID:    ev.ReplyToParticipant,
			Text:        ev.ReplyToText,
		}
		if err := a.archive.Record(ctx, synthetic); err != nil {
			slog.Warn("archive seed failed", "channel", ev.Channel, "quoted", ev.ReplyToMessageID, "error", err)
		}
	}

	return next(ctx)
}

func archiveRow(ev *core.InboundEvent) archive.Message {
	return archive.Message{
		Channel:     ev.Channel,
		ChatID:      ev.ChatID,
		MessageID:   ev.MessageID,
		Participant: ev.Participant,
		SenderID:    ev.SenderID,
		Text:        ev.Content,
		Timestamp:   ev.Timestamp,
	}
}
