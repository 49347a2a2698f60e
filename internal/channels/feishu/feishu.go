// Package feishu is the Feishu/Lark adapter. Events arrive on a local
// webhook listener; sends go through the REST API with a
// tenant_access_token.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/channels"
	"github.com/quietloop/steward/internal/config"
)

const (
	defaultDomain      = "https://open.larksuite.com"
	defaultWebhookPort = 3000
	defaultWebhookPath = "/feishu/events"
	textChunkLimit     = 4000
)

// Channel connects to Feishu/Lark.
type Channel struct {
	*channels.Base
	cfg       config.FeishuConfig
	client    *LarkClient
	botOpenID string
	server    *http.Server
	dedupe    *bus.DedupeCache
}

// New creates the adapter.
func New(cfg config.FeishuConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}
	domain := cfg.Domain
	if domain == "" {
		domain = defaultDomain
	}
	return &Channel{
		Base:   channels.NewBase("feishu", router),
		cfg:    cfg,
		client: NewLarkClient(cfg.AppID, cfg.AppSecret, domain),
		dedupe: bus.NewDedupeCache(10*time.Minute, 1024),
	}, nil
}

// Start probes the bot identity and opens the webhook listener.
func (c *Channel) Start(ctx context.Context) error {
	openID, err := c.client.BotOpenID(ctx)
	if err != nil {
		slog.Warn("feishu bot probe failed", "error", err)
	} else {
		c.botOpenID = openID
		slog.Info("feishu bot connected", "bot_open_id", openID)
	}

	port := c.cfg.WebhookPort
	if port == 0 {
		port = defaultWebhookPort
	}
	path := c.cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleEvent)
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		c.SetRunning(true)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook listener failed", "error", err)
		}
		c.SetRunning(false)
	}()
	slog.Info("feishu webhook listening", "port", port, "path", path)
	return nil
}

// Stop closes the webhook listener.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Send delivers chunked text messages. Media attachments are referenced
// by path; Feishu uploads are out of scope for this adapter.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	content := msg.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > textChunkLimit {
			chunk = content[:textChunkLimit]
			content = content[textChunkLimit:]
		} else {
			content = ""
		}
		if err := c.client.SendText(ctx, msg.ChatID, chunk); err != nil {
			return fmt.Errorf("feishu send: %w", err)
		}
	}
	for _, att := range msg.Media {
		if att.URL != "" {
			if err := c.client.SendText(ctx, msg.ChatID, "[attachment] "+att.URL); err != nil {
				slog.Warn("feishu attachment notice failed", "error", err)
			}
		}
	}
	return nil
}

// Webhook event envelope, schema 2.0.
type eventEnvelope struct {
	Schema    string `json:"schema"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
			Mentions    []struct {
				ID struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
				Name string `json:"name"`
			} `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

func (c *Channel) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// URL verification handshake echoes the challenge back.
	if env.Type == "url_verification" {
		if c.cfg.VerificationToken != "" && env.Token != c.cfg.VerificationToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if c.cfg.VerificationToken != "" && env.Header.Token != c.cfg.VerificationToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)

	if env.Header.EventType != "im.message.receive_v1" {
		return
	}
	if env.Header.EventID != "" && c.dedupe.IsDuplicate("feishu:"+env.Header.EventID) {
		return
	}
	c.handleMessage(env)
}

func (c *Channel) handleMessage(env eventEnvelope) {
	m := env.Event.Message
	if m.MessageType != "text" {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(m.Content), &body); err != nil {
		slog.Warn("feishu message content malformed", "error", err)
		return
	}
	text := stripMentionTags(body.Text)
	if text == "" {
		return
	}

	peerKind := "direct"
	if m.ChatType == "group" {
		peerKind = "group"
	}

	meta := map[string]string{"message_id": m.MessageID}
	if peerKind == "group" {
		meta["is_group"] = "true"
	}
	for _, mention := range m.Mentions {
		if c.botOpenID != "" && mention.ID.OpenID == c.botOpenID {
			meta["mentioned_bot"] = "true"
			break
		}
	}

	var ts int64
	if ms, err := strconv.ParseInt(m.CreateTime, 10, 64); err == nil {
		ts = ms
	}

	c.Publish(bus.InboundMessage{
		SenderID:  env.Event.Sender.SenderID.OpenID,
		ChatID:    m.ChatID,
		Content:   text,
		Timestamp: ts,
		PeerKind:  peerKind,
		Metadata:  meta,
	})
}

// stripMentionTags removes @_user_N placeholders Lark injects for
// mentions.
func stripMentionTags(text string) string {
	for {
		idx := strings.Index(text, "@_user_")
		if idx < 0 {
			break
		}
		end := idx + len("@_user_")
		for end < len(text) && text[end] >= '0' && text[end] <= '9' {
			end++
		}
		text = text[:idx] + text[end:]
	}
	return strings.TrimSpace(text)
}
