package pipeline

import (
	"context"

	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/policy/admin"
)

// OwnerChecker reports whether the event's sender is a configured owner.
type OwnerChecker interface {
	IsOwner(ev *core.InboundEvent) bool
}

// AdminIntercept routes slash commands through the admin command router
// ahead of policy evaluation. Handled and unknown commands intercept
// the normal flow; everything else continues down the chain.
type AdminIntercept struct {
	router *admin.Router
	owners OwnerChecker
}

func NewAdminIntercept(router *admin.Router, owners OwnerChecker) *AdminIntercept {
	return &AdminIntercept{router: router, owners: owners}
}

func (*AdminIntercept) Name() string { return "admin" }

func (a *AdminIntercept) Handle(ctx context.Context, pc *Context, next Next) error {
	if a.router == nil {
		return next(ctx)
	}
	ev := pc.Event

	res, isCommand := a.router.Route(admin.RouterContext{
		Channel:  ev.Channel,
		ChatID:   ev.ChatID,
		SenderID: ev.SenderID,
		IsGroup:  ev.IsGroup,
		IsOwner:  a.owners != nil && a.owners.IsOwner(ev),
		RawText:  ev.Content,
	})
	if !isCommand {
		return next(ctx)
	}

	if !res.InterceptsNormalFlow() {
		pc.Metric("admin_command_ignored", "channel", ev.Channel)
		return next(ctx)
	}

	switch res.Status {
	case admin.StatusHandled:
		pc.Metric("admin_command_handled", "channel", ev.Channel, "command", res.CommandName)
		if res.Outcome != "" {
			pc.Metric("policy_admin_command", "outcome", res.Outcome, "command", res.CommandName)
		}
	case admin.StatusUnknown:
		pc.Metric("admin_command_unknown", "channel", ev.Channel)
	}

	if res.Response != "" {
		pc.Emit(core.SendOutboundIntent{Event: core.OutboundEvent{
			Channel: ev.Channel,
			ChatID:  ev.ChatID,
			Content: res.Response,
		}})
	}
	pc.Halt()
	return nil
}
