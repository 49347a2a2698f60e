package providers

import (
	"fmt"
	"sync"
	"time"

	"github.com/quietloop/steward/internal/config"
)

// Capability routes resolved through the router.
const (
	RouteAssistantReply   = "assistant.reply"
	RouteSecurityClassify = "security.classify"
	RouteTTSSpeak         = "tts.speak"
)

// ResolvedProfile is a route resolved to a concrete model invocation.
type ResolvedProfile struct {
	RouteKey    string
	ProfileName string
	Kind        string
	Provider    string
	Model       string
	Voice       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Fallback    []string
}

type cooldownEntry struct {
	until     time.Time
	errorType string // "429" or "5xx"
}

// Router resolves capability routes to model profiles. Channel-scoped
// route keys ("tts.speak@whatsapp") take precedence over the bare key.
// Profiles that recently errored sit in a cooldown during which their
// fallback chain is preferred.
type Router struct {
	mu        sync.Mutex
	models    config.ModelsConfig
	cooldowns map[string]cooldownEntry
	now       func() time.Time
}

func NewRouter(models config.ModelsConfig) *Router {
	return &Router{
		models:    models,
		cooldowns: make(map[string]cooldownEntry),
		now:       time.Now,
	}
}

// Resolve returns the first profile in the route's fallback chain that
// is not cooling down, or the primary when every option is.
func (r *Router) Resolve(task, channel string) (ResolvedProfile, error) {
	key, name, profile, err := r.lookup(task, channel)
	if err != nil {
		return ResolvedProfile{}, err
	}
	if !r.inCooldown(name) {
		return toResolved(key, name, profile), nil
	}
	for _, fallbackName := range profile.Fallback {
		if r.inCooldown(fallbackName) {
			continue
		}
		if fallback, ok := r.models.Profiles[fallbackName]; ok && fallback.Model != "" {
			return toResolved(key, fallbackName, fallback), nil
		}
	}
	return toResolved(key, name, profile), nil
}

// ResolvePrimary resolves the route's primary profile, ignoring
// cooldown state.
func (r *Router) ResolvePrimary(task, channel string) (ResolvedProfile, error) {
	key, name, profile, err := r.lookup(task, channel)
	if err != nil {
		return ResolvedProfile{}, err
	}
	return toResolved(key, name, profile), nil
}

// ResolveKind resolves a route and verifies the profile serves the
// expected capability kind.
func (r *Router) ResolveKind(task, channel, kind string) (ResolvedProfile, error) {
	profile, err := r.Resolve(task, channel)
	if err != nil {
		return ResolvedProfile{}, err
	}
	if profile.Kind != kind {
		return ResolvedProfile{}, fmt.Errorf("route %q resolved profile %q of kind %q, want %q",
			profile.RouteKey, profile.ProfileName, profile.Kind, kind)
	}
	return profile, nil
}

// MarkError puts a profile in cooldown after a 429 or 5xx so Resolve
// prefers its fallbacks.
func (r *Router) MarkError(profileName, errorType string) {
	cooldown := 60 * time.Second
	if p, ok := r.models.Profiles[profileName]; ok && p.CooldownSeconds > 0 {
		cooldown = time.Duration(p.CooldownSeconds) * time.Second
	}
	r.mu.Lock()
	r.cooldowns[profileName] = cooldownEntry{until: r.now().Add(cooldown), errorType: errorType}
	r.mu.Unlock()
}

// ClearCooldown removes a profile's cooldown, e.g. after a successful
// request.
func (r *Router) ClearCooldown(profileName string) {
	r.mu.Lock()
	delete(r.cooldowns, profileName)
	r.mu.Unlock()
}

// CooldownInfo describes one active profile cooldown.
type CooldownInfo struct {
	Until     time.Time `json:"until"`
	ErrorType string    `json:"error_type"`
}

// CooldownState reports active cooldowns for status surfaces.
func (r *Router) CooldownState() map[string]CooldownInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	state := make(map[string]CooldownInfo)
	for name, entry := range r.cooldowns {
		if !now.Before(entry.until) {
			delete(r.cooldowns, name)
			continue
		}
		state[name] = CooldownInfo{Until: entry.until, ErrorType: entry.errorType}
	}
	return state
}

func (r *Router) lookup(task, channel string) (string, string, config.ModelProfile, error) {
	key := task
	if channel != "" {
		if scoped := task + "@" + channel; hasRoute(r.models.Routes, scoped) {
			key = scoped
		}
	}
	name, ok := r.models.Routes[key]
	if !ok {
		return "", "", config.ModelProfile{}, fmt.Errorf("no model route configured for task %q", task)
	}
	profile, ok := r.models.Profiles[name]
	if !ok {
		return "", "", config.ModelProfile{}, fmt.Errorf("route %q points to missing profile %q", key, name)
	}
	if profile.Model == "" {
		return "", "", config.ModelProfile{}, fmt.Errorf("route %q profile %q has no model", key, name)
	}
	return key, name, profile, nil
}

func hasRoute(routes map[string]string, key string) bool {
	_, ok := routes[key]
	return ok
}

func (r *Router) inCooldown(profileName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cooldowns[profileName]
	if !ok {
		return false
	}
	if !r.now().Before(entry.until) {
		delete(r.cooldowns, profileName)
		return false
	}
	return true
}

func toResolved(key, name string, p config.ModelProfile) ResolvedProfile {
	resolved := ResolvedProfile{
		RouteKey:    key,
		ProfileName: name,
		Kind:        p.Kind,
		Provider:    p.Provider,
		Model:       p.Model,
		Voice:       p.Voice,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Fallback:    append([]string(nil), p.Fallback...),
	}
	if p.TimeoutMs > 0 {
		resolved.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return resolved
}
