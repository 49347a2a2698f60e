// Package channels connects external messaging platforms to the message
// bus. Each adapter translates platform events into bus.InboundMessage
// and delivers bus.OutboundMessage back out; the Manager owns the
// dispatch loops between the bus and the registered adapters.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/quietloop/steward/internal/bus"
)

// InternalChannels terminate inside the process and never reach an
// adapter.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel reports whether a channel name is process-internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is the contract every platform adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("whatsapp", "telegram", ...).
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is actively connected.
	IsRunning() bool
}

// ReactionSender is implemented by adapters that can attach emoji
// reactions to messages. Reactions for other adapters are dropped by
// the manager.
type ReactionSender interface {
	SendReaction(ctx context.Context, msg bus.ReactionMessage) error
}

// TypingAware is implemented by adapters with a typing indicator.
type TypingAware interface {
	SetTyping(ctx context.Context, chatID string, state bool) error
}

// Base carries the shared state of an adapter. Embed it and call
// Publish for received messages.
type Base struct {
	name    string
	router  bus.MessageRouter
	running atomic.Bool
}

// NewBase creates the shared adapter state.
func NewBase(name string, router bus.MessageRouter) *Base {
	return &Base{name: name, router: router}
}

// Name returns the channel name.
func (b *Base) Name() string { return b.name }

// IsRunning reports the adapter's running state.
func (b *Base) IsRunning() bool { return b.running.Load() }

// SetRunning updates the running state.
func (b *Base) SetRunning(running bool) { b.running.Store(running) }

// Router returns the message bus reference.
func (b *Base) Router() bus.MessageRouter { return b.router }

// Publish stamps the channel name and hands the message to the bus.
func (b *Base) Publish(msg bus.InboundMessage) {
	msg.Channel = b.name
	b.router.PublishInbound(msg)
}
