package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default queue capacities. Inbound is deliberately the smallest:
// if the assistant cannot keep up, shedding unprocessed input is
// cheaper than shedding replies that already cost an LLM call.
const (
	DefaultInboundCapacity  = 256
	DefaultOutboundCapacity = 512
	DefaultReactionCapacity = 128

	// pollInterval bounds how long a consumer blocks before re-checking
	// its context, so stop signals propagate within a second.
	pollInterval = time.Second

	// dropLogInterval throttles overflow warnings: log the first drop
	// and every 100th after that.
	dropLogInterval = 100
)

// queue is a bounded FIFO that sheds its oldest element when full.
// Producers never block; the network-facing goroutines that publish
// here must not stall on downstream congestion.
type queue[T any] struct {
	name string
	ch   chan T

	mu      sync.Mutex
	dropped uint64
}

func newQueue[T any](name string, capacity int) *queue[T] {
	return &queue[T]{name: name, ch: make(chan T, capacity)}
}

// put enqueues item without blocking, discarding the oldest entry to
// make room when the queue is full.
func (q *queue[T]) put(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- item:
			return
		default:
		}
		// Full: drop the head and retry. A concurrent consumer may have
		// freed a slot already, in which case nothing is dropped.
		select {
		case <-q.ch:
			q.dropped++
			if q.dropped == 1 || q.dropped%dropLogInterval == 0 {
				slog.Warn("message bus queue overflow",
					"queue", q.name, "dropped", q.dropped)
			}
		default:
		}
	}
}

// take blocks until an item arrives, the context is cancelled, or the
// poll interval elapses. ok is false when nothing was dequeued.
func (q *queue[T]) take(ctx context.Context) (T, bool) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	var zero T
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return zero, false
	case <-timer.C:
		return zero, false
	}
}

func (q *queue[T]) size() int {
	return len(q.ch)
}

func (q *queue[T]) dropCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// MessageBus routes messages between channel adapters and the
// orchestrator through three bounded queues, and fans out server
// events to WebSocket subscribers. All methods are safe for
// concurrent use.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]
	reaction *queue[ReactionMessage]

	mu        sync.RWMutex
	eventSubs map[string]EventHandler
}

// Options sizes the bus queues. Zero values fall back to defaults.
type Options struct {
	InboundCapacity  int
	OutboundCapacity int
	ReactionCapacity int
}

// NewMessageBus creates a bus with the given queue capacities.
func NewMessageBus(opts Options) *MessageBus {
	if opts.InboundCapacity <= 0 {
		opts.InboundCapacity = DefaultInboundCapacity
	}
	if opts.OutboundCapacity <= 0 {
		opts.OutboundCapacity = DefaultOutboundCapacity
	}
	if opts.ReactionCapacity <= 0 {
		opts.ReactionCapacity = DefaultReactionCapacity
	}
	return &MessageBus{
		inbound:   newQueue[InboundMessage]("inbound", opts.InboundCapacity),
		outbound:  newQueue[OutboundMessage]("outbound", opts.OutboundCapacity),
		reaction:  newQueue[ReactionMessage]("reaction", opts.ReactionCapacity),
		eventSubs: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel. Never blocks.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound.put(msg)
}

// ConsumeInbound dequeues the next inbound message, blocking up to one
// second. ok is false on timeout or context cancellation; callers loop
// and re-check their context.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return b.inbound.take(ctx)
}

// PublishOutbound enqueues a reply for delivery. Never blocks.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound.put(msg)
}

// ConsumeOutbound dequeues the next outbound message, blocking up to
// one second.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return b.outbound.take(ctx)
}

// PublishReaction enqueues an emoji reaction for delivery. Never blocks.
func (b *MessageBus) PublishReaction(msg ReactionMessage) {
	b.reaction.put(msg)
}

// ConsumeReaction dequeues the next reaction, blocking up to one second.
func (b *MessageBus) ConsumeReaction(ctx context.Context) (ReactionMessage, bool) {
	return b.reaction.take(ctx)
}

// Sizes reports the current depth of each queue for status diagnostics.
func (b *MessageBus) Sizes() map[string]int {
	return map[string]int{
		"inbound":  b.inbound.size(),
		"outbound": b.outbound.size(),
		"reaction": b.reaction.size(),
	}
}

// Dropped reports cumulative per-queue drop counts.
func (b *MessageBus) Dropped() map[string]uint64 {
	return map[string]uint64{
		"inbound":  b.inbound.dropCount(),
		"outbound": b.outbound.dropCount(),
		"reaction": b.reaction.dropCount(),
	}
}

// Subscribe registers an event handler under the given subscriber id,
// replacing any previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventSubs[id] = handler
}

// Unsubscribe removes the event handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.eventSubs, id)
}

// Broadcast delivers event to every subscribed handler. Handlers run
// in the caller's goroutine; they must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.eventSubs))
	for _, h := range b.eventSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

var _ EventPublisher = (*MessageBus)(nil)
var _ MessageRouter = (*MessageBus)(nil)
