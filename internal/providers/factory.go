package providers

import (
	"fmt"
	"strings"

	"github.com/quietloop/steward/internal/config"
)

// Default API bases for the OpenAI-compatible gateways we know.
var apiBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
}

// ProviderName picks the provider for a profile: the explicit one when
// set, otherwise "openrouter" for prefixed model IDs ("openai/gpt-4o")
// and "openai" for bare ones.
func ProviderName(profile ResolvedProfile) string {
	if profile.Provider != "" {
		return profile.Provider
	}
	if strings.Contains(profile.Model, "/") {
		return "openrouter"
	}
	return "openai"
}

func credentialFor(name string, creds config.ProvidersConfig) (config.ProviderConfig, bool) {
	switch name {
	case "openai":
		return creds.OpenAI, true
	case "openrouter":
		return creds.OpenRouter, true
	case "groq":
		return creds.Groq, true
	case "deepseek":
		return creds.DeepSeek, true
	case "gemini":
		return creds.Gemini, true
	case "elevenlabs":
		return creds.ElevenLabs, true
	}
	return config.ProviderConfig{}, false
}

// BuildChatProvider constructs the chat client for a resolved profile.
func BuildChatProvider(profile ResolvedProfile, creds config.ProvidersConfig) (Provider, error) {
	name := ProviderName(profile)
	cred, ok := credentialFor(name, creds)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q for profile %q", name, profile.ProfileName)
	}
	apiKey := strings.TrimSpace(cred.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q has no api key configured", name)
	}
	base := cred.APIBase
	if base == "" {
		base = apiBases[name]
	}
	provider := NewOpenAIProvider(name, apiKey, base, profile.Model)
	if len(cred.ExtraHeaders) > 0 {
		provider = provider.WithExtraHeaders(cred.ExtraHeaders)
	}
	return provider, nil
}
