// Package discord is the Discord gateway adapter via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
)

// Discord caps messages at 2000 chars.
const textChunkLimit = 2000

// Channel connects to Discord via the gateway websocket.
type Channel struct {
	*channels.Base
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string
}

// New creates the adapter.
func New(cfg config.DiscordConfig, router bus.MessageRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		Base:    channels.NewBase("discord", router),
		session: session,
		cfg:     cfg,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers chunked text, then attachments as file uploads.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("empty discord channel id")
	}

	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > textChunkLimit {
			cut := textChunkLimit
			if idx := strings.LastIndexByte(content[:textChunkLimit], '\n'); idx > textChunkLimit/2 {
				cut = idx + 1
			}
			chunk = content[:cut]
			content = content[cut:]
		} else {
			content = ""
		}
		params := &discordgo.MessageSend{Content: chunk}
		if msg.ReplyTo != "" {
			params.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, params); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}

	for _, att := range msg.Media {
		if err := c.sendAttachment(msg.ChatID, att); err != nil {
			slog.Warn("discord attachment send failed", "path", att.URL, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendAttachment(channelID string, att bus.MediaAttachment) error {
	f, err := os.Open(att.URL)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: att.Caption,
		Files: []*discordgo.File{{
			Name:        filepath.Base(att.URL),
			ContentType: att.ContentType,
			Reader:      f,
		}},
	})
	return err
}

// SendReaction adds an emoji reaction to a message.
func (c *Channel) SendReaction(_ context.Context, msg bus.ReactionMessage) error {
	return c.session.MessageReactionAdd(msg.ChatID, msg.MessageID, msg.Emoji)
}

// SetTyping fires the typing indicator. Discord expires it after ten
// seconds on its own; state=false is a no-op.
func (c *Channel) SetTyping(_ context.Context, chatID string, state bool) error {
	if !state {
		return nil
	}
	return c.session.ChannelTyping(chatID)
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	meta := map[string]string{
		"message_id":   m.ID,
		"username":     m.Author.Username,
		"display_name": displayName(m),
	}
	if !isDM {
		meta["is_group"] = "true"
		meta["guild_id"] = m.GuildID
	}
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			meta["mentioned_bot"] = "true"
			break
		}
	}
	if ref := m.ReferencedMessage; ref != nil {
		meta["reply_to_message_id"] = ref.ID
		meta["reply_to_text"] = ref.Content
		if ref.Author != nil && ref.Author.ID == c.botUserID {
			meta["reply_to_bot"] = "true"
		}
	}

	c.Publish(bus.InboundMessage{
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		Content:   content,
		Timestamp: m.Timestamp.UnixMilli(),
		PeerKind:  peerKind,
		Metadata:  meta,
	})
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
