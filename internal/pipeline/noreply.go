package pipeline

import "context"

// NoReplyFilter halts accepted events the policy decided not to answer,
// after offering the message to the notes collector.
type NoReplyFilter struct {
	security InputSecurity
}

func NewNoReplyFilter(security InputSecurity) *NoReplyFilter {
	return &NoReplyFilter{security: security}
}

func (*NoReplyFilter) Name() string { return "no_reply" }

func (m *NoReplyFilter) Handle(ctx context.Context, pc *Context, next Next) error {
	d := pc.Decision
	if d == nil || d.ShouldRespond {
		return next(ctx)
	}
	queueNotesCapture(pc, m.security)
	pc.Metric("policy_drop_reply", "channel", pc.Event.Channel, "reason", d.Reason)
	pc.Halt()
	return nil
}
