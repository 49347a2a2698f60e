// Package telegram is the Bot API adapter, long polling via telego.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
)

// Telegram caps messages at 4096 chars; chunk a little under it.
const textChunkLimit = 4000

// Channel connects to Telegram via Bot API long polling.
type Channel struct {
	*channels.Base
	bot        *telego.Bot
	cfg        config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter.
func New(cfg config.TelegramConfig, router bus.MessageRouter) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		Base: channels.NewBase("telegram", router),
		bot:  bot,
		cfg:  cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before any restart.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not exit within timeout")
		}
	}
	return nil
}

// Send delivers text in chunks, then attachments.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}
	idObj := tu.ID(chatID)

	for _, chunk := range chunkText(msg.Content, textChunkLimit) {
		params := tu.Message(idObj, chunk)
		if msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}

	for _, att := range msg.Media {
		if err := c.sendAttachment(ctx, idObj, att); err != nil {
			slog.Warn("telegram attachment send failed", "path", att.URL, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(ctx context.Context, chatID telego.ChatID, att bus.MediaAttachment) error {
	f, err := os.Open(att.URL)
	if err != nil {
		return err
	}
	defer f.Close()

	file := telego.InputFile{File: f}
	switch {
	case strings.HasPrefix(att.ContentType, "audio/"):
		_, err = c.bot.SendVoice(ctx, &telego.SendVoiceParams{ChatID: chatID, Voice: file, Caption: att.Caption})
	case strings.HasPrefix(att.ContentType, "image/"):
		_, err = c.bot.SendPhoto(ctx, &telego.SendPhotoParams{ChatID: chatID, Photo: file, Caption: att.Caption})
	default:
		_, err = c.bot.SendDocument(ctx, &telego.SendDocumentParams{ChatID: chatID, Document: file, Caption: att.Caption})
	}
	return err
}

// SendReaction attaches an emoji reaction to a message.
func (c *Channel) SendReaction(ctx context.Context, msg bus.ReactionMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(msg.MessageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", msg.MessageID, err)
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: msg.Emoji},
		},
	})
}

// SetTyping shows the typing action. Telegram clears it on its own, so
// state=false is a no-op.
func (c *Channel) SetTyping(ctx context.Context, chatID string, state bool) error {
	if !state {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

func (c *Channel) handleMessage(message *telego.Message) {
	if message.From == nil {
		return
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" && message.Voice == nil && message.Photo == nil && message.Document == nil {
		return
	}

	isGroup := message.Chat.Type == telego.ChatTypeGroup || message.Chat.Type == telego.ChatTypeSupergroup
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if message.From.Username != "" {
		senderID += "|" + message.From.Username
	}

	meta := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"username":   message.From.Username,
		"first_name": message.From.FirstName,
	}
	if isGroup {
		meta["is_group"] = "true"
		meta["group_name"] = message.Chat.Title
	}
	if c.detectMention(message) {
		meta["mentioned_bot"] = "true"
	}
	if reply := message.ReplyToMessage; reply != nil {
		meta["reply_to_message_id"] = strconv.Itoa(reply.MessageID)
		meta["reply_to_text"] = reply.Text
		if reply.From != nil && reply.From.Username == c.bot.Username() {
			meta["reply_to_bot"] = "true"
		}
	}
	if message.Voice != nil {
		meta["is_voice"] = "true"
		meta["media_kind"] = "audio"
	} else if len(message.Photo) > 0 {
		meta["media_kind"] = "image"
	} else if message.Document != nil {
		meta["media_kind"] = "document"
	}

	c.Publish(bus.InboundMessage{
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		Content:   content,
		Timestamp: message.Date * 1000,
		PeerKind:  peerKind,
		Metadata:  meta,
	})
}

// detectMention checks text and caption entities for an @mention of the
// bot; a reply to the bot's own message counts as a mention.
func (c *Channel) detectMention(message *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	needle := "@" + strings.ToLower(botUsername)
	if strings.Contains(strings.ToLower(message.Text), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(message.Caption), needle) {
		return true
	}
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil {
		return reply.From.Username == botUsername
	}
	return false
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

// chunkText splits text on rune boundaries, preferring newline breaks
// near the limit.
func chunkText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return chunks
}
