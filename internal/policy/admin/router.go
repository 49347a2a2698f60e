package admin

import (
	"fmt"
	"strings"
)

// Router statuses. Handled and unknown intercept the normal reply
// flow; ignored lets the message continue through the pipeline.
const (
	StatusHandled = "handled"
	StatusUnknown = "unknown"
	StatusIgnored = "ignored"
)

// RouterContext carries the chat context a slash command arrived in.
type RouterContext struct {
	Channel  string
	ChatID   string
	SenderID string
	IsGroup  bool
	IsOwner  bool
	RawText  string
}

// RouterResult is emitted by a deterministic admin command handler.
type RouterResult struct {
	Status      string
	Response    string
	CommandName string
	Outcome     string
	Source      string
	DryRun      bool
}

func (r RouterResult) InterceptsNormalFlow() bool {
	return r.Status == StatusHandled || r.Status == StatusUnknown
}

// NamespaceHandler handles one command namespace, e.g. "policy" for
// "/policy ...".
type NamespaceHandler interface {
	Namespace() string
	Applicable(ctx RouterContext) bool
	Handle(ctx RouterContext, argv []string) RouterResult
	HelpHint() string
}

// Router is a slash-first command router for deterministic non-LLM
// chat commands.
type Router struct {
	handlers map[string]NamespaceHandler
	order    []string
}

func NewRouter(handlers ...NamespaceHandler) *Router {
	r := &Router{handlers: make(map[string]NamespaceHandler)}
	for _, h := range handlers {
		ns := strings.ToLower(strings.TrimSpace(h.Namespace()))
		if ns == "" {
			continue
		}
		if _, dup := r.handlers[ns]; !dup {
			r.order = append(r.order, ns)
		}
		r.handlers[ns] = h
	}
	return r
}

// Route dispatches one message. The second return is false when the
// text is not a slash command at all.
func (r *Router) Route(ctx RouterContext) (RouterResult, bool) {
	compact := strings.TrimSpace(ctx.RawText)
	if !strings.HasPrefix(compact, "/") {
		return RouterResult{}, false
	}

	body := strings.TrimSpace(compact[1:])
	if body == "" {
		return RouterResult{Status: StatusIgnored}, true
	}

	tokens, err := splitTokens(body)
	if err != nil {
		if r.shouldReportUnknown(ctx) {
			return RouterResult{Status: StatusUnknown, Response: fmt.Sprintf("Invalid command syntax: %v", err)}, true
		}
		return RouterResult{Status: StatusIgnored}, true
	}
	if len(tokens) == 0 {
		return RouterResult{Status: StatusIgnored}, true
	}

	namespace := strings.ToLower(strings.TrimSpace(tokens[0]))
	if namespace == "" {
		return RouterResult{Status: StatusIgnored}, true
	}

	handler, ok := r.handlers[namespace]
	if !ok {
		if r.shouldReportUnknown(ctx) {
			return RouterResult{Status: StatusUnknown, Response: r.unknownCommandMessage(namespace, ctx)}, true
		}
		return RouterResult{Status: StatusIgnored}, true
	}

	if !handler.Applicable(ctx) {
		return RouterResult{Status: StatusIgnored}, true
	}
	return handler.Handle(ctx, tokens[1:]), true
}

// shouldReportUnknown keeps unknown-command chatter away from chats
// where no handler would act anyway.
func (r *Router) shouldReportUnknown(ctx RouterContext) bool {
	for _, ns := range r.order {
		if r.handlers[ns].Applicable(ctx) {
			return true
		}
	}
	return false
}

func (r *Router) unknownCommandMessage(namespace string, ctx RouterContext) string {
	for _, ns := range r.order {
		h := r.handlers[ns]
		if h.Applicable(ctx) {
			return fmt.Sprintf("Unknown command '/%s'. Try %s.", namespace, h.HelpHint())
		}
	}
	return fmt.Sprintf("Unknown command '/%s'.", namespace)
}

// PolicyHandler adapts the admin Service to the router's policy
// namespace. Only owner DMs may use it; everywhere else the message
// falls through to the normal pipeline.
type PolicyHandler struct {
	service *Service
}

func NewPolicyHandler(service *Service) *PolicyHandler {
	return &PolicyHandler{service: service}
}

func (h *PolicyHandler) Namespace() string { return "policy" }

func (h *PolicyHandler) Applicable(ctx RouterContext) bool {
	return ctx.IsOwner && !ctx.IsGroup
}

func (h *PolicyHandler) Handle(ctx RouterContext, argv []string) RouterResult {
	actor := ActorContext{
		Source:   SourceDM,
		Channel:  ctx.Channel,
		ChatID:   ctx.ChatID,
		SenderID: ctx.SenderID,
		IsGroup:  ctx.IsGroup,
		IsOwner:  ctx.IsOwner,
	}
	res := h.service.ExecuteText(ctx.RawText, actor, ExecOptions{})
	return RouterResult{
		Status:      StatusHandled,
		Response:    res.Message,
		CommandName: res.CommandName,
		Outcome:     res.Outcome,
		Source:      res.Source,
		DryRun:      res.DryRun,
	}
}

func (h *PolicyHandler) HelpHint() string { return "/policy help" }
