// Package pipeline runs each inbound event through an ordered chain of
// middleware stages. Stages communicate through a shared mutable
// Context: they may set the policy decision, append intents, set the
// reply text, or halt the chain. The runner owns no domain logic.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quietloop/steward/internal/core"
)

// Context is the per-event mutable state threaded through the chain.
type Context struct {
	Event    *core.InboundEvent
	Decision *core.PolicyDecision
	Intents  []core.Intent
	Reply    string
	Halted   bool
}

// Halt stops the chain after the current stage returns.
func (c *Context) Halt() { c.Halted = true }

// Emit appends intents for the orchestrator to dispatch after the
// pipeline completes, in append order.
func (c *Context) Emit(intents ...core.Intent) {
	c.Intents = append(c.Intents, intents...)
}

// Metric appends a counter intent with optional k/v label pairs.
func (c *Context) Metric(name string, kv ...string) {
	c.Emit(core.Metric(name, kv...))
}

// Next advances the chain to the following stage.
type Next func(ctx context.Context) error

// Middleware is one pipeline stage. A stage passes through by calling
// next, short-circuits by setting Halted and returning, or
// post-processes by inspecting the context after next returns.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, pc *Context, next Next) error
}

// Runner walks an ordered middleware slice, stopping when a stage halts
// the context or the chain is exhausted. Panics in a stage recover into
// errors so one poisoned event cannot take down the consumer loop.
type Runner struct {
	stages []Middleware
}

func NewRunner(stages ...Middleware) *Runner {
	return &Runner{stages: stages}
}

// Run executes the chain for one event.
func (r *Runner) Run(ctx context.Context, pc *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline panic", "channel", pc.Event.Channel, "chat", pc.Event.ChatID, "panic", rec)
			err = fmt.Errorf("pipeline panic: %v", rec)
		}
	}()
	return r.step(ctx, pc, 0)
}

func (r *Runner) step(ctx context.Context, pc *Context, i int) error {
	if pc.Halted || i >= len(r.stages) {
		return nil
	}
	stage := r.stages[i]
	return stage.Handle(ctx, pc, func(ctx context.Context) error {
		return r.step(ctx, pc, i+1)
	})
}
