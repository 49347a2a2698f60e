package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quietloop/steward/internal/bus"
	"github.com/quietloop/steward/internal/config"
)

const (
	defaultHeartbeatInterval = 30 * time.Minute

	heartbeatPromptFile = "HEARTBEAT.md"

	defaultHeartbeatPrompt = "Heartbeat check-in. Review anything pending " +
		"(reminders, follow-ups, unfinished tasks) and act on it. " +
		"If nothing needs attention, reply with exactly: HEARTBEAT_OK"
)

// Heartbeat periodically publishes a synthetic system event so the
// assistant wakes up and reviews pending work even when nobody writes.
type Heartbeat struct {
	router    bus.MessageRouter
	cfg       config.HeartbeatConfig
	workspace string
	now       func() time.Time
}

func NewHeartbeat(router bus.MessageRouter, cfg config.HeartbeatConfig, workspace string) *Heartbeat {
	return &Heartbeat{router: router, cfg: cfg, workspace: workspace, now: time.Now}
}

// Interval returns the configured beat interval; zero means disabled.
func (h *Heartbeat) Interval() time.Duration {
	if h.cfg.Every == "" {
		return defaultHeartbeatInterval
	}
	d, err := time.ParseDuration(h.cfg.Every)
	if err != nil {
		slog.Warn("invalid heartbeat interval, using default", "every", h.cfg.Every, "error", err)
		return defaultHeartbeatInterval
	}
	if d <= 0 {
		return 0
	}
	return d
}

// Run beats at the configured interval until ctx is cancelled. Returns
// immediately when disabled.
func (h *Heartbeat) Run(ctx context.Context) error {
	interval := h.Interval()
	if interval == 0 {
		slog.Info("heartbeat disabled")
		return nil
	}
	slog.Info("heartbeat started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
			h.Beat()
		}
	}
}

// Beat publishes one heartbeat event. The chat id routes to a real chat
// when channel+to are configured, otherwise the reply terminates in the
// heartbeat session.
func (h *Heartbeat) Beat() {
	chatID := "heartbeat"
	if h.cfg.Channel != "" && h.cfg.To != "" {
		chatID = h.cfg.Channel + ":" + h.cfg.To
	}
	h.router.PublishInbound(bus.InboundMessage{
		Channel:   "system",
		SenderID:  "heartbeat",
		ChatID:    chatID,
		Content:   h.prompt(),
		Timestamp: h.now().UnixMilli(),
	})
}

// prompt prefers the workspace HEARTBEAT.md over the configured prompt
// over the built-in default.
func (h *Heartbeat) prompt() string {
	if h.workspace != "" {
		if data, err := os.ReadFile(filepath.Join(h.workspace, heartbeatPromptFile)); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				return text
			}
		}
	}
	if h.cfg.Prompt != "" {
		return h.cfg.Prompt
	}
	return defaultHeartbeatPrompt
}
