package pipeline

import (
	"context"
	"strings"
)

// Normalize strips surrounding whitespace and drops events left empty.
type Normalize struct{}

func (Normalize) Name() string { return "normalize" }

func (Normalize) Handle(ctx context.Context, pc *Context, next Next) error {
	trimmed := strings.TrimSpace(pc.Event.Content)
	if trimmed == "" && len(pc.Event.Media) == 0 {
		pc.Metric("event_drop_empty", "channel", pc.Event.Channel)
		pc.Halt()
		return nil
	}
	pc.Event.Content = trimmed
	return next(ctx)
}
