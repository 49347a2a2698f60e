package config

import (
	"fmt"
	"sync"
)

// Config is the root configuration for the Steward gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Models    ModelsConfig    `json:"models,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Sessions  SessionsConfig  `json:"sessions"`
	Archive   ArchiveConfig   `json:"archive,omitempty"`
	Security  SecurityConfig  `json:"security,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains assistant defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are the default settings for the assistant loop.
type AgentDefaults struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	SubagentModel     string  `json:"subagent_model,omitempty"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
}

// WhatsAppConfig configures the WhatsApp bridge channel.
// BridgeToken comes from env STEWARD_BRIDGE_TOKEN or the rotated token
// file only — never persisted in config.json.
type WhatsAppConfig struct {
	Enabled                bool                `json:"enabled"`
	BridgeHost             string              `json:"bridge_host,omitempty"`
	BridgePort             int                 `json:"bridge_port,omitempty"`
	BridgeToken            string              `json:"-"`
	BridgeAutoRepair       bool                `json:"bridge_auto_repair"`
	BridgeStartupTimeoutMs int                 `json:"bridge_startup_timeout_ms,omitempty"`
	AcceptFromMe           bool                `json:"accept_from_me,omitempty"`
	ReadReceipts           bool                `json:"read_receipts,omitempty"`
	DebounceMs             int                 `json:"debounce_ms,omitempty"`
	ReconnectInitialMs     int                 `json:"reconnect_initial_ms,omitempty"`
	ReconnectMaxMs         int                 `json:"reconnect_max_ms,omitempty"`
	MaxPayloadBytes        int                 `json:"max_payload_bytes,omitempty"`
	Media                  WhatsAppMediaConfig `json:"media,omitempty"`
	ReplyContext           ReplyContextConfig  `json:"reply_context,omitempty"`
}

// BridgeURL returns the websocket endpoint for the Node bridge.
func (w WhatsAppConfig) BridgeURL() string {
	host := w.BridgeHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := w.BridgePort
	if port == 0 {
		port = 3001
	}
	return fmt.Sprintf("ws://%s:%d", host, port)
}

// WhatsAppMediaConfig configures inbound/outbound media handling.
type WhatsAppMediaConfig struct {
	IncomingDir       string `json:"incoming_dir,omitempty"`
	OutgoingDir       string `json:"outgoing_dir,omitempty"`
	RetentionDays     int    `json:"retention_days,omitempty"`
	MaxImageBytesMB   int    `json:"max_image_bytes_mb,omitempty"`
	MaxImageEdge      int    `json:"max_image_edge,omitempty"`
	MaxTTSConcurrency int    `json:"max_tts_concurrency,omitempty"`
}

// ReplyContextConfig bounds the conversational windows attached to
// WhatsApp events.
type ReplyContextConfig struct {
	WindowLimit        int `json:"window_limit,omitempty"`
	LineMaxChars       int `json:"line_max_chars,omitempty"`
	AmbientWindowLimit int `json:"ambient_window_limit,omitempty"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	Proxy   string `json:"proxy,omitempty"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// FeishuConfig configures the Feishu/Lark channel. Events arrive on a
// local webhook listener; Domain defaults to Lark global.
type FeishuConfig struct {
	Enabled           bool   `json:"enabled"`
	AppID             string `json:"app_id,omitempty"`
	AppSecret         string `json:"app_secret,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
	Domain            string `json:"domain,omitempty"`
	WebhookPort       int    `json:"webhook_port,omitempty"`
	WebhookPath       string `json:"webhook_path,omitempty"`
}

// ProviderConfig holds credentials for one LLM provider endpoint.
type ProviderConfig struct {
	APIKey       string            `json:"api_key,omitempty"`
	APIBase      string            `json:"api_base,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// ProvidersConfig lists configured LLM providers.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
	DeepSeek   ProviderConfig `json:"deepseek,omitempty"`
	Gemini     ProviderConfig `json:"gemini,omitempty"`
	ElevenLabs ProviderConfig `json:"elevenlabs,omitempty"`
}

// ModelProfile names a concrete model invocation shape. Fallback lists
// profile names tried in order while this profile sits in an error
// cooldown.
type ModelProfile struct {
	Kind            string   `json:"kind,omitempty"` // chat | tts | asr | vision | embedding
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	TimeoutMs       int      `json:"timeout_ms,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	Fallback        []string `json:"fallback,omitempty"`
	CooldownSeconds int      `json:"cooldown_seconds,omitempty"`
}

// ModelsConfig maps logical route keys to model profiles. Routes may be
// channel-scoped ("tts.speak@whatsapp" beats "tts.speak").
type ModelsConfig struct {
	Profiles map[string]ModelProfile `json:"profiles,omitempty"`
	Routes   map[string]string       `json:"routes,omitempty"`
}

// GatewayConfig configures the status HTTP server.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ToolsConfig configures the built-in tool registry.
type ToolsConfig struct {
	RestrictToWorkspace bool           `json:"restrict_to_workspace,omitempty"`
	Exec                ExecToolConfig `json:"exec,omitempty"`
	Web                 WebToolsConfig `json:"web,omitempty"`
}

// ExecToolConfig configures the shell exec tool.
type ExecToolConfig struct {
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// WebToolsConfig configures web tools.
type WebToolsConfig struct {
	Fetch  WebFetchConfig  `json:"fetch,omitempty"`
	Search WebSearchConfig `json:"search,omitempty"`
}

// WebSearchConfig configures the web_search tool. BraveAPIKey is env-only
// (STEWARD_BRAVE_API_KEY); with no key the tool falls back to DuckDuckGo.
type WebSearchConfig struct {
	BraveAPIKey string `json:"-"`
	MaxResults  int    `json:"max_results,omitempty"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

// WebFetchConfig bounds the web_fetch tool.
type WebFetchConfig struct {
	MaxBytes   int `json:"max_bytes,omitempty"`
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// BusConfig sizes the message bus queues.
type BusConfig struct {
	InboundCapacity  int `json:"inbound_capacity,omitempty"`
	OutboundCapacity int `json:"outbound_capacity,omitempty"`
	ReactionCapacity int `json:"reaction_capacity,omitempty"`
}

// SessionsConfig selects and configures session persistence.
// PostgresDSN is env-only (STEWARD_POSTGRES_DSN).
type SessionsConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default) or "postgres"
	Dir         string `json:"dir,omitempty"`
	PostgresDSN string `json:"-"`
}

// ArchiveConfig configures the reply archive.
type ArchiveConfig struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// SecurityStages toggles the three inspection stages.
type SecurityStages struct {
	Input  bool `json:"input"`
	Tool   bool `json:"tool"`
	Output bool `json:"output"`
}

// SecurityClassifierConfig configures the optional LLM input classifier.
type SecurityClassifierConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Route   string `json:"route,omitempty"`
}

// SecurityConfig configures the staged security engine.
type SecurityConfig struct {
	Enabled           bool                     `json:"enabled"`
	FailMode          string                   `json:"fail_mode,omitempty"` // "open", "closed", "mixed"
	Stages            SecurityStages           `json:"stages"`
	BlockUserMessage  string                   `json:"block_user_message,omitempty"`
	RedactPlaceholder string                   `json:"redact_placeholder,omitempty"`
	Classifier        SecurityClassifierConfig `json:"classifier,omitempty"`
}

// HeartbeatConfig configures the periodic heartbeat producer.
// Every accepts Go durations; "0m" disables.
type HeartbeatConfig struct {
	Every   string `json:"every,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the status
// server. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Models = src.Models
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Bus = src.Bus
	c.Sessions = src.Sessions
	c.Archive = src.Archive
	c.Security = src.Security
	c.Heartbeat = src.Heartbeat
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
