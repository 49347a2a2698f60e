// Package orchestrator owns the inbound consumer loop: it converts bus
// messages into events, runs the middleware pipeline and executes the
// resulting intents.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/pipeline"
	"github.com/quietloop/steward/internal/tracing"
)

// Service drains the inbound queue with a single consumer so events for
// one chat stay ordered.
type Service struct {
	router     bus.MessageRouter
	runner     *pipeline.Runner
	dispatcher core.IntentDispatcher
}

func NewService(router bus.MessageRouter, runner *pipeline.Runner, dispatcher core.IntentDispatcher) *Service {
	return &Service{router: router, runner: runner, dispatcher: dispatcher}
}

// Run consumes inbound messages until ctx is cancelled. The bus poll
// interval bounds how long cancellation takes to observe.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("orchestrator consumer started")
	for {
		if ctx.Err() != nil {
			slog.Info("orchestrator consumer stopped")
			return ctx.Err()
		}
		msg, ok := s.router.ConsumeInbound(ctx)
		if !ok {
			continue
		}
		s.handle(ctx, msg)
	}
}

// handle runs one message through the pipeline and dispatches the
// intents it produced. Failures apologize to the originating chat
// instead of propagating; one bad event must not stop the consumer.
func (s *Service) handle(ctx context.Context, msg bus.InboundMessage) {
	ev := EventFromMessage(msg)

	ctx, span := tracing.Tracer().Start(ctx, "pipeline.handle",
		trace.WithAttributes(tracing.EventAttrs(ev.Channel, ev.ChatID)...))
	defer span.End()

	pc := &pipeline.Context{Event: &ev}
	if err := s.runner.Run(ctx, pc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		slog.Error("pipeline failed", "channel", ev.Channel, "chat", ev.ChatID, "error", err)
		s.apologize(ctx, &ev, err)
		return
	}

	for _, intent := range pc.Intents {
		if err := intent.Dispatch(ctx, s.dispatcher); err != nil {
			span.RecordError(err)
			slog.Error("intent dispatch failed",
				"channel", ev.Channel, "chat", ev.ChatID,
				"intent", fmt.Sprintf("%T", intent), "error", err)
		}
	}
}

func (s *Service) apologize(ctx context.Context, ev *core.InboundEvent, cause error) {
	channel, chatID := ev.SessionTarget()
	if channel == "cli" || chatID == "" {
		return
	}
	intent := core.SendOutboundIntent{Event: core.OutboundEvent{
		Channel: channel,
		ChatID:  chatID,
		Content: fmt.Sprintf("Sorry, I encountered an error: %v", cause),
	}}
	if err := intent.Dispatch(ctx, s.dispatcher); err != nil {
		slog.Error("apology dispatch failed", "channel", channel, "chat", chatID, "error", err)
	}
}

// EventFromMessage lifts the typed fields out of a bus message's string
// metadata. Unrecognized metadata rides along on Meta for stages that
// want it (group subjects, channel extras).
func EventFromMessage(msg bus.InboundMessage) core.InboundEvent {
	meta := msg.Metadata
	ev := core.InboundEvent{
		Channel:   msg.Channel,
		SenderID:  msg.SenderID,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Media:     msg.Media,

		MessageID:          meta["message_id"],
		Participant:        meta["participant"],
		IsGroup:            msg.PeerKind == "group" || metaBool(meta, "is_group"),
		MentionedBot:       metaBool(meta, "mentioned_bot"),
		ReplyToBot:         metaBool(meta, "reply_to_bot"),
		ReplyToMessageID:   meta["reply_to_message_id"],
		ReplyToParticipant: meta["reply_to_participant"],
		ReplyToText:        meta["reply_to_text"],
		IsVoice:            metaBool(meta, "is_voice"),
		MediaKind:          meta["media_kind"],
	}
	if len(meta) > 0 {
		ev.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			ev.Meta[k] = v
		}
	}
	return ev
}

func metaBool(meta map[string]string, key string) bool {
	switch meta[key] {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
