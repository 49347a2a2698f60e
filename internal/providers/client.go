package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quietloop/steward/internal/config"
)

// Client binds the router to configured credentials and runs routed
// chat calls with cooldown-aware fallback.
type Client struct {
	router *Router
	creds  config.ProvidersConfig

	mu    sync.Mutex
	cache map[string]Provider
}

func NewClient(router *Router, creds config.ProvidersConfig) *Client {
	return &Client{
		router: router,
		creds:  creds,
		cache:  make(map[string]Provider),
	}
}

func (c *Client) Router() *Router { return c.router }

// ChatRoute resolves task for channel and runs the chat call. On a
// temporary provider error the failing profile enters cooldown and the
// fallback resolution is tried once.
func (c *Client) ChatRoute(ctx context.Context, task, channel string, req ChatRequest) (*ChatResponse, error) {
	profile, err := c.router.ResolveKind(task, channel, "chat")
	if err != nil {
		return nil, err
	}
	resp, err := c.chatProfile(ctx, profile, req)
	if err == nil {
		return resp, nil
	}

	errType, temporary := classifyProviderError(err)
	if !temporary {
		return nil, err
	}
	c.router.MarkError(profile.ProfileName, errType)
	retryProfile, rerr := c.router.ResolveKind(task, channel, "chat")
	if rerr != nil || retryProfile.ProfileName == profile.ProfileName {
		return nil, err
	}
	slog.Info("model fallback", "task", task, "from", profile.ProfileName, "to", retryProfile.ProfileName, "error_type", errType)
	return c.chatProfile(ctx, retryProfile, req)
}

// Completion returns a plain-text completion helper bound to a route.
// The security classifier consumes this shape.
func (c *Client) Completion(task, channel string) func(ctx context.Context, system, user string) (string, error) {
	return func(ctx context.Context, system, user string) (string, error) {
		resp, err := c.ChatRoute(ctx, task, channel, ChatRequest{
			Messages: []Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

func (c *Client) chatProfile(ctx context.Context, profile ResolvedProfile, req ChatRequest) (*ChatResponse, error) {
	provider, err := c.providerFor(profile)
	if err != nil {
		return nil, err
	}

	req.Model = profile.Model
	if req.MaxTokens == 0 {
		req.MaxTokens = profile.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = profile.Temperature
	}

	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}
	return provider.Chat(ctx, req)
}

// providerFor caches one client per provider name so connections are
// pooled across profiles.
func (c *Client) providerFor(profile ResolvedProfile) (Provider, error) {
	name := ProviderName(profile)
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[name]; ok {
		return p, nil
	}
	p, err := BuildChatProvider(profile, c.creds)
	if err != nil {
		return nil, err
	}
	c.cache[name] = p
	return p, nil
}

func classifyProviderError(err error) (string, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || !httpErr.Temporary() {
		return "", false
	}
	if httpErr.Status == http.StatusTooManyRequests {
		return "429", true
	}
	return "5xx", true
}
