package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/quietloop/steward/internal/bus"
)

// DedupeTTL is how long a (channel, chat, message) key suppresses
// re-delivery by flaky channel adapters.
const DedupeTTL = 20 * time.Minute

// Dedupe drops events whose message id was already processed within
// the TTL. Events without a message id pass through.
type Dedupe struct {
	cache *bus.DedupeCache
}

func NewDedupe(cache *bus.DedupeCache) *Dedupe {
	if cache == nil {
		cache = bus.NewDedupeCache(DedupeTTL, 10_000)
	}
	return &Dedupe{cache: cache}
}

func (*Dedupe) Name() string { return "dedupe" }

func (d *Dedupe) Handle(ctx context.Context, pc *Context, next Next) error {
	ev := pc.Event
	if ev.MessageID == "" {
		return next(ctx)
	}
	key := fmt.Sprintf("%s:%s:%s", ev.Channel, ev.ChatID, ev.MessageID)
	if d.cache.IsDuplicate(key) {
		pc.Metric("event_drop_duplicate", "channel", ev.Channel)
		pc.Halt()
		return nil
	}
	return next(ctx)
}
