package config

// ChannelsConfig holds the per-platform adapter blocks.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig is the Telegram adapter block.
type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // pairing (default) | allowlist | open | disabled
	GroupPolicy    string              `json:"group_policy,omitempty"`    // open (default) | allowlist | disabled | pairing
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // pending group messages kept as context, default 50
	StreamMode     string              `json:"stream_mode,omitempty"`     // off (default) | partial
	ReactionLevel  string              `json:"reaction_level,omitempty"`  // off | minimal | full (default)
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"` // download cap, default 20MB
	LinkPreview    *bool               `json:"link_preview,omitempty"`    // default true

	// Voice notes: optional STT proxy for transcription plus an optional
	// dedicated agent voice turns route to.
	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTAPIKey         string `json:"-"` // OPENCLAW_STT_API_KEY only
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"`
	VoiceAgentID      string `json:"voice_agent_id,omitempty"`
}

// DiscordConfig is the Discord adapter block.
type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // pairing (default) | allowlist | open | disabled
	GroupPolicy    string              `json:"group_policy,omitempty"`    // open (default) | allowlist | disabled
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	HistoryLimit   int                 `json:"history_limit,omitempty"`   // default 50
}

// ProvidersConfig maps each known model provider to its credentials.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Mistral    ProviderConfig `json:"mistral"`
	XAI        ProviderConfig `json:"xai"`
	MiniMax    ProviderConfig `json:"minimax"`
	Cohere     ProviderConfig `json:"cohere"`
	Perplexity ProviderConfig `json:"perplexity"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider reports whether at least one provider has credentials.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.DeepSeek.APIKey != "" ||
		p.Mistral.APIKey != "" ||
		p.XAI.APIKey != "" ||
		p.MiniMax.APIKey != "" ||
		p.Cohere.APIKey != "" ||
		p.Perplexity.APIKey != ""
}

// GatewayConfig is the server block: bind surface, auth, and inbound
// limits.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Bind              string   `json:"bind,omitempty"`                // loopback (default) | lan | tailnet | custom
	Token             string   `json:"token,omitempty"`               // bearer token for WS auth
	Password          string   `json:"-"`                             // OPENCLAW_GATEWAY_PASSWORD only
	OwnerIDs          []string `json:"owner_ids,omitempty"`           // sender ids treated as owner
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`     // WS origin whitelist, empty allows all
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`   // default 32000
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`      // per-user requests/minute, default 20, 0 disables
	InjectionAction   string   `json:"injection_action,omitempty"`    // log | warn (default) | block | off
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from one sender, default 1000, -1 disables
}

// ToolsConfig is the tool policy and tool-adjacent settings block.
type ToolsConfig struct {
	Profile          string                      `json:"profile,omitempty"` // minimal | coding | messaging | full
	Allow            []string                    `json:"allow,omitempty"`   // tool names or "group:xxx"
	Deny             []string                    `json:"deny,omitempty"`
	AlsoAllow        []string                    `json:"alsoAllow,omitempty"` // additive
	ByProvider       map[string]*ToolPolicySpec  `json:"byProvider,omitempty"`
	ExecApproval     ExecApprovalCfg             `json:"execApproval,omitempty"`
	Web              WebToolsConfig              `json:"web"`
	Browser          BrowserToolConfig           `json:"browser"`
	RateLimitPerHour int                         `json:"rate_limit_per_hour,omitempty"` // tool executions/hour/session, 0 disables
	ScrubCredentials *bool                       `json:"scrub_credentials,omitempty"`   // redact secrets in tool output, default true
	McpServers       map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // stdio | sse | streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`     // nil means enabled
	ToolPrefix string            `json:"tool_prefix,omitempty"` // namespaces the server's tool names
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per tool call, default 60
}

// IsEnabled treats a nil Enabled as true.
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExecApprovalCfg is the command-approval policy block.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // deny | allowlist | full (default)
	Ask       string   `json:"ask,omitempty"`       // off (default) | on-miss | always
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns over resolved command paths
}

// BrowserToolConfig switches the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// ToolPolicySpec is a tool policy at any level: global, per-agent, or
// per-provider within either.
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	AlsoAllow  []string                   `json:"alsoAllow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
	Vision     *VisionConfig              `json:"vision,omitempty"`
	ImageGen   *ImageGenConfig            `json:"imageGen,omitempty"`
}

// VisionConfig picks the provider/model for read_image.
type VisionConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ImageGenConfig picks the provider/model for create_image.
type ImageGenConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Size     string `json:"size,omitempty"`
	Quality  string `json:"quality,omitempty"` // standard | hd
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// SessionsConfig is the session-store block.
type SessionsConfig struct {
	Storage string `json:"storage"`            // session file directory
	Scope   string `json:"scope,omitempty"`    // per-sender (default) | global
	DmScope string `json:"dm_scope,omitempty"` // main | per-peer | per-channel-peer (default) | per-account-channel-peer
	MainKey string `json:"main_key,omitempty"` // main session suffix when dm_scope=main, default "main"
}

// TtsConfig is the text-to-speech block.
type TtsConfig struct {
	Provider   string              `json:"provider,omitempty"`   // openai | elevenlabs | edge | minimax
	Auto       string              `json:"auto,omitempty"`       // off (default) | always | inbound | tagged
	Mode       string              `json:"mode,omitempty"`       // final (default) | all
	MaxLength  int                 `json:"max_length,omitempty"` // default 1500
	TimeoutMs  int                 `json:"timeout_ms,omitempty"` // default 30000
	OpenAI     TtsOpenAIConfig     `json:"openai,omitempty"`
	ElevenLabs TtsElevenLabsConfig `json:"elevenlabs,omitempty"`
	Edge       TtsEdgeConfig       `json:"edge,omitempty"`
	MiniMax    TtsMiniMaxConfig    `json:"minimax,omitempty"`
}

type TtsOpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"` // default gpt-4o-mini-tts
	Voice   string `json:"voice,omitempty"` // default alloy
}

type TtsElevenLabsConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
	ModelID string `json:"model_id,omitempty"` // default eleven_multilingual_v2
}

// TtsEdgeConfig uses the free Edge endpoint; no key needed.
type TtsEdgeConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Voice   string `json:"voice,omitempty"` // default en-US-MichelleNeural
	Rate    string `json:"rate,omitempty"`  // e.g. "+0%"
}

type TtsMiniMaxConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	APIBase string `json:"api_base,omitempty"` // default https://api.minimax.io/v1
	Model   string `json:"model,omitempty"`    // default speech-02-hd
	VoiceID string `json:"voice_id,omitempty"`
}
