package pipeline

import (
	"context"

	"github.com/quietloop/steward/internal/core"
)

// PolicyEvaluator resolves the per-event policy decision.
type PolicyEvaluator interface {
	Evaluate(ev *core.InboundEvent) core.PolicyDecision
}

// PolicyStage stores the policy decision on the context for every
// downstream stage. It never halts — access and no-reply enforcement
// live in their own stages so notes capture can run between.
type PolicyStage struct {
	policy PolicyEvaluator
}

func NewPolicyStage(policy PolicyEvaluator) *PolicyStage {
	return &PolicyStage{policy: policy}
}

func (*PolicyStage) Name() string { return "policy" }

func (p *PolicyStage) Handle(ctx context.Context, pc *Context, next Next) error {
	decision := p.policy.Evaluate(pc.Event)
	pc.Decision = &decision
	return next(ctx)
}
