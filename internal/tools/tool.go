// Package tools implements the built-in tools the assistant can call
// while composing a reply: filesystem access, shell execution, web fetch
// and search, and voice notes. Tools register in a Registry whose
// definitions are handed to the model provider on every turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quietloop/steward/internal/providers"
)

// Tool is a capability the model can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ContextAware tools receive the conversation target before each turn so
// omitted channel/chat arguments can default to the active conversation.
type ContextAware interface {
	SetContext(channel, chatID string)
}

// Closer tools hold resources that must be released at shutdown.
type Closer interface {
	Close() error
}

// Registry holds the tool set exposed to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any earlier tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the registered tools as provider tool declarations,
// in registration order. A non-nil filter keeps only names it accepts.
func (r *Registry) Definitions(filter func(name string) bool) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if filter != nil && !filter(name) {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}

// Execute dispatches a tool call by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return t.Execute(ctx, args)
}

// SetContext forwards the conversation target to every context-aware tool.
func (r *Registry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if ca, ok := t.(ContextAware); ok {
			ca.SetContext(channel, chatID)
		}
	}
}

// Close releases tool resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, t := range r.tools {
		if c, ok := t.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

var (
	_ Tool = (*ReadFileTool)(nil)
	_ Tool = (*WriteFileTool)(nil)
	_ Tool = (*EditFileTool)(nil)
	_ Tool = (*ListDirTool)(nil)
	_ Tool = (*ExecTool)(nil)
	_ Tool = (*WebFetchTool)(nil)
	_ Tool = (*WebSearchTool)(nil)
	_ Tool = (*SendVoiceTool)(nil)

	_ ContextAware = (*SendVoiceTool)(nil)
	_ Closer       = (*WebFetchTool)(nil)
	_ Closer       = (*WebSearchTool)(nil)
)
