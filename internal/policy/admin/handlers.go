package admin

import (
	"fmt"
	"slices"
	"strings"

	"github.com/quietloop/steward/internal/policy"
	"github.com/quietloop/steward/internal/sessions"
)

// Top-level quick commands. The new-chat owner notification offers
// /approve, /approve-mention and /deny so a group can be admitted
// without spelling out the full /policy forms; /reset clears one
// conversation transcript. All of them ride the same commit pipeline
// and audit trail as the policy namespace.

// ExecuteApprove admits a WhatsApp group: whoCanTalk=everyone plus the
// reply mode picked by mentionOnly, in one policy commit.
func (s *Service) ExecuteApprove(argv []string, raw string, mentionOnly bool, actor ActorContext) Result {
	name, whenMode := "approve", "all"
	usage := "Usage: /approve <chat_id@g.us>"
	if mentionOnly {
		name, whenMode = "approve-mention", "mention_only"
		usage = "Usage: /approve-mention <chat_id@g.us>"
	}

	if actor.Source == SourceDM && !actor.IsOwner {
		r := invalidResult(actor, name, "Policy command denied.", false)
		r.Outcome = OutcomeDenied
		return r
	}
	if len(argv) != 1 {
		return invalidResult(actor, name, usage, false)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, name, fmt.Sprintf("Invalid %s arguments: %v", name, err), false)
	}

	doc, err := policy.Load(s.policyPath)
	if err != nil {
		return errorResult(actor, name, fmt.Sprintf("Failed to load policy: %v", err), false)
	}
	if msg := s.rateLimitMessage(actor, doc); msg != "" {
		r := invalidResult(actor, name, msg, false)
		r.Outcome = OutcomeDenied
		return r
	}

	subject := s.groupSubject(chatID)

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, name, fmt.Sprintf("Failed to apply policy change: %v", err), false)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, name, fmt.Sprintf("Failed to apply policy change: %v", err), false)
	}
	override.WhoCanTalk = &policy.WhoCanTalkOverride{Mode: strPtr(policy.WhoEveryone), Senders: []string{}}
	override.WhenToReply = &policy.WhenToReplyOverride{Mode: strPtr(whenMode), Senders: []string{}}
	if subject != "" && strings.TrimSpace(override.Comment) == "" {
		override.Comment = subject
	}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: name,
		commandRaw:  raw,
	})
	if result.Outcome == OutcomeApplied {
		result.Message = fmt.Sprintf("✅ Approved %s%s: whoCanTalk=everyone, whenToReply=%s.",
			chatID, subjectSuffix(subject), whenMode)
	}
	return result
}

// ExecuteDeny locks a WhatsApp group down to owners only.
func (s *Service) ExecuteDeny(argv []string, raw string, actor ActorContext) Result {
	if actor.Source == SourceDM && !actor.IsOwner {
		r := invalidResult(actor, "deny", "Policy command denied.", false)
		r.Outcome = OutcomeDenied
		return r
	}
	if len(argv) != 1 {
		return invalidResult(actor, "deny", "Usage: /deny <chat_id@g.us>", false)
	}
	chatID, err := parseGroupChatID(argv[0])
	if err != nil {
		return invalidResult(actor, "deny", fmt.Sprintf("Invalid deny arguments: %v", err), false)
	}

	doc, err := policy.Load(s.policyPath)
	if err != nil {
		return errorResult(actor, "deny", fmt.Sprintf("Failed to load policy: %v", err), false)
	}
	if msg := s.rateLimitMessage(actor, doc); msg != "" {
		r := invalidResult(actor, "deny", msg, false)
		r.Outcome = OutcomeDenied
		return r
	}

	ownerSenders := slices.Clone(doc.Owners["whatsapp"])
	if len(ownerSenders) == 0 {
		return invalidResult(actor, "deny", "Cannot deny group: owners.whatsapp is empty in policy.", false)
	}

	subject := s.groupSubject(chatID)

	after, err := policy.Clone(doc)
	if err != nil {
		return errorResult(actor, "deny", fmt.Sprintf("Failed to apply policy change: %v", err), false)
	}
	override, err := whatsappChatOverride(after, chatID)
	if err != nil {
		return errorResult(actor, "deny", fmt.Sprintf("Failed to apply policy change: %v", err), false)
	}
	override.WhoCanTalk = &policy.WhoCanTalkOverride{Mode: strPtr(policy.WhoAllowlist), Senders: ownerSenders}
	if subject != "" && strings.TrimSpace(override.Comment) == "" {
		override.Comment = subject
	}

	result := s.commitPolicy(commitParams{
		before:      doc,
		after:       after,
		actor:       actor,
		commandName: "deny",
		commandRaw:  raw,
	})
	if result.Outcome == OutcomeApplied {
		result.Message = fmt.Sprintf("🚫 Denied %s%s: whoCanTalk=allowlist (owners only).",
			chatID, subjectSuffix(subject))
	}
	return result
}

// groupSubject returns the cached or freshly resolved bridge subject
// for a group, or "" when unknown.
func (s *Service) groupSubject(chatID string) string {
	s.mu.Lock()
	if subject, ok := s.subjectCache[chatID]; ok {
		s.mu.Unlock()
		return subject
	}
	s.mu.Unlock()

	if s.subjects == nil {
		return ""
	}
	subject := strings.TrimSpace(s.subjects([]string{chatID})[chatID])
	if subject == "" {
		return ""
	}
	s.mu.Lock()
	s.subjectCache[chatID] = subject
	s.mu.Unlock()
	return subject
}

func subjectSuffix(subject string) string {
	if subject == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", subject)
}

func actorFromRouter(ctx RouterContext) ActorContext {
	return ActorContext{
		Source:   SourceDM,
		Channel:  ctx.Channel,
		ChatID:   ctx.ChatID,
		SenderID: ctx.SenderID,
		IsGroup:  ctx.IsGroup,
		IsOwner:  ctx.IsOwner,
	}
}

func routerResultFrom(res Result) RouterResult {
	return RouterResult{
		Status:      StatusHandled,
		Response:    res.Message,
		CommandName: res.CommandName,
		Outcome:     res.Outcome,
		Source:      res.Source,
		DryRun:      res.DryRun,
	}
}

// ApproveHandler routes /approve or /approve-mention. Owner DMs only;
// everywhere else the text falls through to the normal pipeline.
type ApproveHandler struct {
	service     *Service
	mentionOnly bool
}

func NewApproveHandler(service *Service, mentionOnly bool) *ApproveHandler {
	return &ApproveHandler{service: service, mentionOnly: mentionOnly}
}

func (h *ApproveHandler) Namespace() string {
	if h.mentionOnly {
		return "approve-mention"
	}
	return "approve"
}

func (h *ApproveHandler) Applicable(ctx RouterContext) bool {
	return ctx.IsOwner && !ctx.IsGroup
}

func (h *ApproveHandler) Handle(ctx RouterContext, argv []string) RouterResult {
	return routerResultFrom(h.service.ExecuteApprove(argv, ctx.RawText, h.mentionOnly, actorFromRouter(ctx)))
}

func (h *ApproveHandler) HelpHint() string {
	if h.mentionOnly {
		return "/approve-mention <chat_id@g.us>"
	}
	return "/approve <chat_id@g.us>"
}

// DenyHandler routes /deny. Owner DMs only.
type DenyHandler struct {
	service *Service
}

func NewDenyHandler(service *Service) *DenyHandler {
	return &DenyHandler{service: service}
}

func (h *DenyHandler) Namespace() string { return "deny" }

func (h *DenyHandler) Applicable(ctx RouterContext) bool {
	return ctx.IsOwner && !ctx.IsGroup
}

func (h *DenyHandler) Handle(ctx RouterContext, argv []string) RouterResult {
	return routerResultFrom(h.service.ExecuteDeny(argv, ctx.RawText, actorFromRouter(ctx)))
}

func (h *DenyHandler) HelpHint() string { return "/deny <chat_id@g.us>" }

// SessionResetter clears one conversation transcript and reports how
// many turns were dropped.
type SessionResetter interface {
	Clear(key string) (int, error)
}

// ResetSessionHandler implements the deterministic /reset command.
// Owners can clear the history of the chat they issue it in, groups
// included.
type ResetSessionHandler struct {
	sessions SessionResetter
}

func NewResetSessionHandler(resetter SessionResetter) *ResetSessionHandler {
	return &ResetSessionHandler{sessions: resetter}
}

func (h *ResetSessionHandler) Namespace() string { return "reset" }

func (h *ResetSessionHandler) Applicable(ctx RouterContext) bool {
	return ctx.IsOwner
}

func (h *ResetSessionHandler) Handle(ctx RouterContext, argv []string) RouterResult {
	if len(argv) != 0 {
		return RouterResult{
			Status: StatusHandled, Response: "Usage: /reset",
			CommandName: "reset", Outcome: OutcomeInvalid, Source: SourceDM,
		}
	}
	if h.sessions == nil {
		return RouterResult{
			Status: StatusHandled, Response: "Session reset unavailable: session store is not configured.",
			CommandName: "reset", Outcome: OutcomeError, Source: SourceDM,
		}
	}
	n, err := h.sessions.Clear(sessions.Key(ctx.Channel, ctx.ChatID))
	if err != nil {
		return RouterResult{
			Status: StatusHandled, Response: fmt.Sprintf("Session reset failed: %v", err),
			CommandName: "reset", Outcome: OutcomeError, Source: SourceDM,
		}
	}
	return RouterResult{
		Status:      StatusHandled,
		Response:    fmt.Sprintf("Conversation history cleared for %s (%d messages).", ctx.ChatID, n),
		CommandName: "reset",
		Outcome:     OutcomeApplied,
		Source:      SourceDM,
	}
}

func (h *ResetSessionHandler) HelpHint() string { return "/reset" }
