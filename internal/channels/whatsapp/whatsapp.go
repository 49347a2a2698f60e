// Package whatsapp connects to the local Node bridge over WebSocket.
// The bridge owns the WhatsApp session; this adapter authenticates
// with the rotated token, lifts bridge message frames onto the bus and
// writes send/reaction/typing frames back.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
	"github.com/quietloop/steward/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second

	defaultDebounceTTL  = 60 * time.Second
	debounceCacheSize   = 512
	defaultPayloadLimit = 16 << 20
)

// TokenSource yields the current bridge auth token. The supervisor
// rotates the token on restart, so it is read per connection attempt.
type TokenSource func() (string, error)

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.Base
	cfg   config.WhatsAppConfig
	token TokenSource

	mu     sync.Mutex // guards conn writes and replacement
	conn   *websocket.Conn
	cancel context.CancelFunc

	debounce *bus.DedupeCache
}

// New creates the adapter. token must not be nil.
func New(cfg config.WhatsAppConfig, router bus.MessageRouter, token TokenSource) *Channel {
	ttl := defaultDebounceTTL
	if cfg.DebounceMs > 0 {
		ttl = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	return &Channel{
		Base:     channels.NewBase("whatsapp", router),
		cfg:      cfg,
		token:    token,
		debounce: bus.NewDedupeCache(ttl, debounceCacheSize),
	}
}

// Start launches the connect/read loop. The adapter reports running
// only while a connection is authenticated.
func (c *Channel) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.listenLoop(loopCtx)
	return nil
}

// Stop tears the connection down.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.SetRunning(false)
	return nil
}

// Send writes a send frame for text and attachments.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	media := make([]protocol.MediaRef, 0, len(msg.Media))
	for _, att := range msg.Media {
		media = append(media, protocol.MediaRef{
			Path:    att.URL,
			Mime:    att.ContentType,
			Caption: att.Caption,
			Voice:   strings.HasPrefix(att.ContentType, "audio/"),
		})
	}
	return c.writeFrame(protocol.TypeSend, protocol.Send{
		ChatID:  msg.ChatID,
		Content: msg.Content,
		ReplyTo: msg.ReplyTo,
		Media:   media,
	})
}

// SendReaction writes a reaction frame.
func (c *Channel) SendReaction(_ context.Context, msg bus.ReactionMessage) error {
	return c.writeFrame(protocol.TypeReaction, protocol.Reaction{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Emoji:     msg.Emoji,
	})
}

// SetTyping writes a typing frame.
func (c *Channel) SetTyping(_ context.Context, chatID string, state bool) error {
	return c.writeFrame(protocol.TypeTyping, protocol.Typing{ChatID: chatID, State: state})
}

func (c *Channel) writeFrame(frameType string, payload any) error {
	data, err := protocol.Marshal(frameType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("bridge write %s: %w", frameType, err)
	}
	return nil
}

// listenLoop keeps one authenticated connection alive, reconnecting
// with doubling backoff that resets after a successful session.
func (c *Channel) listenLoop(ctx context.Context) {
	initial := defaultReconnectInitial
	if c.cfg.ReconnectInitialMs > 0 {
		initial = time.Duration(c.cfg.ReconnectInitialMs) * time.Millisecond
	}
	maxWait := defaultReconnectMax
	if c.cfg.ReconnectMaxMs > 0 {
		maxWait = time.Duration(c.cfg.ReconnectMaxMs) * time.Millisecond
	}

	backoff := initial
	for ctx.Err() == nil {
		err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("bridge connection lost", "error", err, "retry_in", backoff)
		} else {
			// The previous session authenticated; start over fresh.
			backoff = initial
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxWait {
			backoff = maxWait
		}
	}
}

// runConnection dials, authenticates and reads frames until the
// connection drops. Returns nil when the session had authenticated,
// so the caller resets its backoff.
func (c *Channel) runConnection(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return fmt.Errorf("bridge token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL(), nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	limit := int64(defaultPayloadLimit)
	if c.cfg.MaxPayloadBytes > 0 {
		limit = int64(c.cfg.MaxPayloadBytes)
	}
	conn.SetReadLimit(limit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.SetRunning(false)
	}()

	if err := c.writeFrame(protocol.TypeAuth, protocol.Auth{Token: token, Version: protocol.Version}); err != nil {
		return err
	}

	authed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if authed {
				return nil
			}
			return fmt.Errorf("bridge read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bridge sent malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeAuthOK:
			var ok protocol.AuthOK
			_ = json.Unmarshal(env.Data, &ok)
			authed = true
			c.SetRunning(true)
			slog.Info("bridge authenticated", "device", ok.Device, "protocol", ok.Version)
		case protocol.TypeError:
			var e protocol.Error
			_ = json.Unmarshal(env.Data, &e)
			if !authed {
				return fmt.Errorf("bridge auth rejected: %s %s", e.Code, e.Message)
			}
			slog.Warn("bridge error frame", "code", e.Code, "message", e.Message)
		case protocol.TypeMessage:
			var m protocol.Message
			if err := json.Unmarshal(env.Data, &m); err != nil {
				slog.Warn("bridge message frame malformed", "error", err)
				continue
			}
			c.handleMessage(m)
		default:
			// receipt and other informational frames are ignored.
		}
	}
}

// handleMessage lifts a bridge message frame onto the bus.
func (c *Channel) handleMessage(m protocol.Message) {
	if m.FromMe && !c.cfg.AcceptFromMe {
		return
	}
	if m.MessageID != "" {
		key := "whatsapp:" + m.ChatID + ":" + m.MessageID
		if c.debounce.IsDuplicate(key) {
			return
		}
	}

	peerKind := "direct"
	if m.IsGroup {
		peerKind = "group"
	}

	meta := map[string]string{
		"message_id": m.MessageID,
	}
	setMeta(meta, "participant", m.Participant)
	setMeta(meta, "group_name", m.GroupName)
	setMeta(meta, "group_desc", m.GroupDesc)
	setMeta(meta, "reply_to_message_id", m.ReplyToMessageID)
	setMeta(meta, "reply_to_participant", m.ReplyToParticipant)
	setMeta(meta, "reply_to_text", m.ReplyToText)
	setMeta(meta, "media_kind", m.MediaKind)
	setMetaBool(meta, "is_group", m.IsGroup)
	setMetaBool(meta, "mentioned_bot", m.MentionedBot)
	setMetaBool(meta, "reply_to_bot", m.ReplyToBot)
	setMetaBool(meta, "is_voice", m.IsVoice)
	setMetaBool(meta, "from_me", m.FromMe)

	media := make([]string, 0, len(m.Media))
	for _, ref := range m.Media {
		if ref.Path != "" {
			media = append(media, ref.Path)
		}
	}

	c.Publish(bus.InboundMessage{
		SenderID:  senderOf(m),
		ChatID:    m.ChatID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Media:     media,
		PeerKind:  peerKind,
		Metadata:  meta,
	})
}

// senderOf prefers the group participant JID over the chat-level
// sender, which for groups is the group itself.
func senderOf(m protocol.Message) string {
	if m.IsGroup && m.Participant != "" {
		return m.Participant
	}
	return m.SenderID
}

func setMeta(meta map[string]string, key, val string) {
	if val != "" {
		meta[key] = val
	}
}

func setMetaBool(meta map[string]string, key string, val bool) {
	if val {
		meta[key] = strconv.FormatBool(val)
	}
}
