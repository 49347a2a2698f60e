// Package responder generates assistant replies: it assembles the
// prompt, loops the model through tool calls, and returns the final
// text for outbound assembly. Tool invocations pass through the
// security tool stage before execution.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quietloop/steward/internal/core"
	"github.com/quietloop/steward/internal/media"
	"github.com/quietloop/steward/internal/providers"
	"github.com/quietloop/steward/internal/sessions"
	"github.com/quietloop/steward/internal/store"
	"github.com/quietloop/steward/internal/tools"
)

// ToolSecurity is the tool-stage check consulted before every tool
// execution.
type ToolSecurity interface {
	CheckTool(toolName string, args map[string]any, logCtx map[string]any) core.SecurityResult
}

// Options configures a Responder.
type Options struct {
	Client        *providers.Client
	Tools         *tools.Registry
	Sessions      store.SessionStore
	Security      ToolSecurity
	Workspace     string
	MaxIterations int
	MaxTokens     int
	Temperature   float64
	MaxImageEdge  int
}

// Responder drives the think-act-observe loop for one inbound event.
type Responder struct {
	client        *providers.Client
	tools         *tools.Registry
	sessions      store.SessionStore
	security      ToolSecurity
	prompts       *PromptBuilder
	maxIterations int
	maxTokens     int
	temperature   float64
	maxImageEdge  int
}

func New(opts Options) *Responder {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if opts.MaxImageEdge <= 0 {
		opts.MaxImageEdge = 2048
	}
	return &Responder{
		client:        opts.Client,
		tools:         opts.Tools,
		sessions:      opts.Sessions,
		security:      opts.Security,
		prompts:       NewPromptBuilder(opts.Workspace),
		maxIterations: opts.MaxIterations,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		maxImageEdge:  opts.MaxImageEdge,
	}
}

// GenerateReply produces the assistant reply for an accepted event.
// An empty string with nil error means the model chose silence; the
// responder stage halts the pipeline in that case.
func (r *Responder) GenerateReply(ctx context.Context, event *core.InboundEvent, decision *core.PolicyDecision) (string, error) {
	channel, chatID := event.SessionTarget()
	r.tools.SetContext(channel, chatID)

	event.Media = media.PrepareInboundImages(event.Media, r.maxImageEdge)

	history := r.historyMessages(sessions.Key(channel, chatID))
	messages := r.prompts.Messages(history, event, decision, channel, chatID)
	defs := r.tools.Definitions(decision.HasTool)

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		resp, err := r.client.ChatRoute(ctx, providers.RouteAssistantReply, channel, providers.ChatRequest{
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Content), nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := r.executeTool(ctx, call, decision, channel, chatID)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	slog.Warn("responder hit iteration limit", "channel", channel, "chat", chatID, "limit", r.maxIterations)
	return "", fmt.Errorf("tool loop exceeded %d iterations", r.maxIterations)
}

// executeTool runs one requested tool call. Policy and security
// rejections return as model-visible strings so the loop can recover;
// only the registry's own failures are folded the same way.
func (r *Responder) executeTool(ctx context.Context, call providers.ToolCall, decision *core.PolicyDecision, channel, chatID string) string {
	if !decision.HasTool(call.Name) {
		return fmt.Sprintf("Error: tool %q is not permitted in this chat", call.Name)
	}

	if r.security != nil {
		check := r.security.CheckTool(call.Name, call.Arguments, map[string]any{
			"channel": channel,
			"chat_id": chatID,
		})
		if check.Decision.Action == core.SecurityBlock {
			slog.Warn("security.tool_blocked", "tool", call.Name, "reason", check.Decision.Reason, "channel", channel)
			return fmt.Sprintf("Security: tool call blocked (%s)", check.Decision.Reason)
		}
	}

	result, err := r.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", call.Name, err)
	}
	return result
}

func (r *Responder) historyMessages(key string) []providers.Message {
	turns := r.sessions.History(key)
	if len(turns) == 0 {
		return nil
	}
	msgs := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, providers.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
