package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/quietloop/steward/internal/bus"
)

// Default outbound pacing per channel. Platforms throttle bots that
// burst; two messages per second with a small burst stays under every
// platform limit we target.
var defaultSendLimit = rate.Limit(2)

const defaultSendBurst = 4

// ChannelStatus is one adapter's entry in the status report.
type ChannelStatus struct {
	Running bool `json:"running"`
}

// Manager owns the registered channel adapters and the two dispatch
// loops that drain the outbound and reaction queues.
type Manager struct {
	router       bus.MessageRouter
	channels     map[string]Channel
	limiters     map[string]*rate.Limiter
	unknownDrops atomic.Int64
	cancel       context.CancelFunc
	mu           sync.RWMutex
}

// NewManager creates an empty channel manager.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		router:   router,
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter. Must be called before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	m.limiters[ch.Name()] = rate.NewLimiter(defaultSendLimit, defaultSendBurst)
}

// StartAll starts every registered adapter and the dispatch loops. An
// adapter that fails to start is logged and skipped; the rest of the
// gateway keeps running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)
	go m.dispatchReactions(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatch loops and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Status reports the running state of every adapter.
func (m *Manager) Status() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ChannelStatus{Running: ch.IsRunning()}
	}
	return status
}

// UnknownDrops returns how many outbound or reaction messages named a
// channel nobody registered.
func (m *Manager) UnknownDrops() int64 {
	return m.unknownDrops.Load()
}

// SendTo delivers a plain text message to a named adapter directly,
// bypassing the bus. Used by CLI commands.
func (m *Manager) SendTo(ctx context.Context, channel, chatID, content string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channel %s not registered", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
}

// dispatchOutbound drains the outbound queue. Internal channels are
// skipped; unknown channels are dropped and counted, never errored,
// so a stale system route cannot wedge the queue.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := m.router.ConsumeOutbound(ctx)
		if !ok {
			continue
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		ch, limiter, ok := m.lookup(msg.Channel)
		if !ok {
			m.unknownDrops.Add(1)
			slog.Warn("outbound for unknown channel dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
		cleanupMedia(msg.Media)
	}
}

// dispatchReactions drains the reaction queue. Adapters without
// reaction support drop silently.
func (m *Manager) dispatchReactions(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := m.router.ConsumeReaction(ctx)
		if !ok {
			continue
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		ch, limiter, ok := m.lookup(msg.Channel)
		if !ok {
			m.unknownDrops.Add(1)
			slog.Warn("reaction for unknown channel dropped", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}
		sender, ok := ch.(ReactionSender)
		if !ok {
			slog.Debug("channel has no reaction support", "channel", msg.Channel)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := sender.SendReaction(ctx, msg); err != nil {
			slog.Error("reaction send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (m *Manager) lookup(name string) (Channel, *rate.Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, nil, false
	}
	return ch, m.limiters[name], true
}

// cleanupMedia removes temporary outbound media files after a send
// attempt. Synthesized voice notes live only for the send.
func cleanupMedia(media []bus.MediaAttachment) {
	for _, att := range media {
		if att.URL == "" || att.URL[0] != '/' {
			continue
		}
		if err := os.Remove(att.URL); err != nil && !os.IsNotExist(err) {
			slog.Debug("media cleanup failed", "path", att.URL, "error", err)
		}
	}
}
