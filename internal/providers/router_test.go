package providers

import (
	"strings"
	"testing"
	"time"

	"github.com/quietloop/steward/internal/config"
)

func testModels() config.ModelsConfig {
	return config.ModelsConfig{
		Profiles: map[string]config.ModelProfile{
			"chat_primary": {
				Kind:            "chat",
				Provider:        "openai",
				Model:           "gpt-4o",
				TimeoutMs:       30000,
				Fallback:        []string{"chat_backup"},
				CooldownSeconds: 60,
			},
			"chat_backup": {
				Kind:     "chat",
				Provider: "groq",
				Model:    "llama-3.3-70b",
			},
			"tts_default": {
				Kind:     "tts",
				Provider: "openai",
				Model:    "tts-1",
				Voice:    "nova",
			},
			"tts_eleven": {
				Kind:     "tts",
				Provider: "elevenlabs",
				Model:    "eleven_multilingual_v2",
				Voice:    "v123",
			},
			"broken": {Kind: "chat"},
		},
		Routes: map[string]string{
			"assistant.reply":    "chat_primary",
			"tts.speak":          "tts_default",
			"tts.speak@whatsapp": "tts_eleven",
			"dangling":           "ghost",
			"modelless":          "broken",
		},
	}
}

func TestRouterPrefersChannelScopedRoute(t *testing.T) {
	r := NewRouter(testModels())

	scoped, err := r.Resolve("tts.speak", "whatsapp")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scoped.ProfileName != "tts_eleven" || scoped.RouteKey != "tts.speak@whatsapp" {
		t.Errorf("scoped = %+v, want tts_eleven via tts.speak@whatsapp", scoped)
	}

	bare, err := r.Resolve("tts.speak", "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if bare.ProfileName != "tts_default" || bare.RouteKey != "tts.speak" {
		t.Errorf("bare = %+v, want tts_default via tts.speak", bare)
	}
}

func TestRouterResolveErrors(t *testing.T) {
	r := NewRouter(testModels())

	if _, err := r.Resolve("nope", ""); err == nil || !strings.Contains(err.Error(), "no model route") {
		t.Errorf("missing route err = %v", err)
	}
	if _, err := r.Resolve("dangling", ""); err == nil || !strings.Contains(err.Error(), "missing profile") {
		t.Errorf("dangling route err = %v", err)
	}
	if _, err := r.Resolve("modelless", ""); err == nil || !strings.Contains(err.Error(), "has no model") {
		t.Errorf("modelless route err = %v", err)
	}
}

func TestRouterKindMismatch(t *testing.T) {
	r := NewRouter(testModels())
	_, err := r.ResolveKind("tts.speak", "", "chat")
	if err == nil || !strings.Contains(err.Error(), `kind "tts", want "chat"`) {
		t.Errorf("err = %v, want kind mismatch", err)
	}
}

func TestRouterResolvesTimeout(t *testing.T) {
	r := NewRouter(testModels())
	p, err := r.Resolve("assistant.reply", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", p.Timeout)
	}
}

func TestRouterFallsBackDuringCooldown(t *testing.T) {
	r := NewRouter(testModels())
	r.MarkError("chat_primary", "429")

	p, err := r.Resolve("assistant.reply", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ProfileName != "chat_backup" {
		t.Errorf("ProfileName = %q, want chat_backup during cooldown", p.ProfileName)
	}

	r.ClearCooldown("chat_primary")
	p, err = r.Resolve("assistant.reply", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ProfileName != "chat_primary" {
		t.Errorf("ProfileName = %q, want chat_primary after clear", p.ProfileName)
	}
}

func TestRouterAllInCooldownReturnsPrimary(t *testing.T) {
	r := NewRouter(testModels())
	r.MarkError("chat_primary", "5xx")
	r.MarkError("chat_backup", "5xx")

	p, err := r.Resolve("assistant.reply", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ProfileName != "chat_primary" {
		t.Errorf("ProfileName = %q, want primary when everything cools down", p.ProfileName)
	}
}

func TestRouterCooldownExpires(t *testing.T) {
	r := NewRouter(testModels())
	current := time.Now()
	r.now = func() time.Time { return current }

	r.MarkError("chat_primary", "429")
	if p, _ := r.Resolve("assistant.reply", ""); p.ProfileName != "chat_backup" {
		t.Fatalf("ProfileName = %q, want fallback while cooling", p.ProfileName)
	}

	current = current.Add(61 * time.Second)
	p, err := r.Resolve("assistant.reply", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ProfileName != "chat_primary" {
		t.Errorf("ProfileName = %q, want primary after cooldown expiry", p.ProfileName)
	}
}

func TestRouterCooldownState(t *testing.T) {
	r := NewRouter(testModels())
	r.MarkError("chat_primary", "429")

	state := r.CooldownState()
	info, ok := state["chat_primary"]
	if !ok {
		t.Fatal("expected chat_primary in cooldown state")
	}
	if info.ErrorType != "429" {
		t.Errorf("ErrorType = %q, want 429", info.ErrorType)
	}
	if !info.Until.After(time.Now()) {
		t.Errorf("Until = %v, want in the future", info.Until)
	}
}

func TestRouterResolvePrimaryIgnoresCooldown(t *testing.T) {
	r := NewRouter(testModels())
	r.MarkError("chat_primary", "5xx")

	p, err := r.ResolvePrimary("assistant.reply", "")
	if err != nil {
		t.Fatalf("ResolvePrimary: %v", err)
	}
	if p.ProfileName != "chat_primary" {
		t.Errorf("ProfileName = %q, want chat_primary", p.ProfileName)
	}
}
