package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.steward/workspace",
				Model:             "anthropic/claude-opus-4-5",
				SubagentModel:     "openai/gpt-4o-mini",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 20,
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				BridgeHost:             "127.0.0.1",
				BridgePort:             3001,
				BridgeAutoRepair:       true,
				BridgeStartupTimeoutMs: 15000,
				ReadReceipts:           true,
				ReconnectInitialMs:     1000,
				ReconnectMaxMs:         30000,
				MaxPayloadBytes:        262144,
				Media: WhatsAppMediaConfig{
					IncomingDir:       "~/.steward/var/media/incoming/whatsapp",
					OutgoingDir:       "~/.steward/var/media/outgoing/whatsapp",
					RetentionDays:     30,
					MaxImageBytesMB:   8,
					MaxImageEdge:      1568,
					MaxTTSConcurrency: 2,
				},
				ReplyContext: ReplyContextConfig{
					WindowLimit:        6,
					LineMaxChars:       256,
					AmbientWindowLimit: 8,
				},
			},
		},
		Models: ModelsConfig{
			Profiles: DefaultModelProfiles(),
			Routes:   DefaultModelRoutes(),
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Tools: ToolsConfig{
			RestrictToWorkspace: true,
			Exec:                ExecToolConfig{TimeoutSec: 60},
			Web: WebToolsConfig{
				Fetch:  WebFetchConfig{MaxBytes: 2 << 20, TimeoutSec: 30},
				Search: WebSearchConfig{MaxResults: 5, TimeoutSec: 15},
			},
		},
		Bus: BusConfig{
			InboundCapacity:  256,
			OutboundCapacity: 512,
			ReactionCapacity: 128,
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Dir:     "~/.steward/data/inbound",
		},
		Archive: ArchiveConfig{RetentionDays: 30},
		Security: SecurityConfig{
			Enabled:           true,
			FailMode:          "closed",
			Stages:            SecurityStages{Input: true, Tool: true, Output: true},
			BlockUserMessage:  "😂",
			RedactPlaceholder: "[REDACTED]",
			Classifier:        SecurityClassifierConfig{Route: "security.classify"},
		},
		Heartbeat: HeartbeatConfig{Every: "30m"},
	}
}

// DefaultModelProfiles seeds the model profile table.
func DefaultModelProfiles() map[string]ModelProfile {
	return map[string]ModelProfile{
		"assistant_default": {
			Kind:        "chat",
			Model:       "anthropic/claude-opus-4-5",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		"subagent_default": {
			Kind:        "chat",
			Model:       "openai/gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.3,
			TimeoutMs:   60000,
		},
		"tts_default": {
			Kind:      "tts",
			Provider:  "openai",
			Model:     "tts-1",
			TimeoutMs: 30000,
		},
		"security_classifier": {
			Kind:        "chat",
			Model:       "openai/gpt-4o-mini",
			MaxTokens:   300,
			Temperature: 0.1,
			TimeoutMs:   10000,
		},
	}
}

// DefaultModelRoutes seeds the route table.
func DefaultModelRoutes() map[string]string {
	return map[string]string{
		"assistant.reply":   "assistant_default",
		"tts.speak":         "tts_default",
		"security.classify": "security_classifier",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider secrets
	envStr("STEWARD_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("STEWARD_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("STEWARD_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("STEWARD_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("STEWARD_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("STEWARD_ELEVENLABS_API_KEY", &c.Providers.ElevenLabs.APIKey)
	envStr("STEWARD_BRAVE_API_KEY", &c.Tools.Web.Search.BraveAPIKey)

	// Channel credentials
	envStr("STEWARD_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)
	envStr("STEWARD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("STEWARD_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("STEWARD_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("STEWARD_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)

	// Auto-enable channels when credentials arrive via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}

	// Assistant defaults
	envStr("STEWARD_MODEL", &c.Agents.Defaults.Model)
	envStr("STEWARD_WORKSPACE", &c.Agents.Defaults.Workspace)

	// Gateway host/port
	envStr("STEWARD_HOST", &c.Gateway.Host)
	if v := os.Getenv("STEWARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Sessions
	envStr("STEWARD_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("STEWARD_SESSIONS_DIR", &c.Sessions.Dir)
	envStr("STEWARD_POSTGRES_DSN", &c.Sessions.PostgresDSN)

	// Telemetry
	envStr("STEWARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("STEWARD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("STEWARD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("STEWARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STEWARD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("STEWARD_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("STEWARD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("STEWARD_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ws := c.Agents.Defaults.Workspace
	if strings.TrimSpace(ws) == "" {
		return filepath.Join(HomeDir(), "workspace")
	}
	expanded := ExpandHome(ws)
	if !filepath.IsAbs(expanded) {
		return filepath.Join(HomeDir(), expanded)
	}
	return expanded
}

// SessionsPath returns the expanded session store directory.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if strings.TrimSpace(c.Sessions.Dir) == "" {
		return SessionsDir()
	}
	return ExpandHome(c.Sessions.Dir)
}
