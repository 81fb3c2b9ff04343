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

// Default returns the configuration a fresh install runs with.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.openclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
				Subagents: &SubagentsConfig{
					MaxConcurrent: 8,
					MaxSpawnDepth: 1,
				},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				StreamMode:    "none",
				ReactionLevel: "full",
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18789,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  true,
				Headless: true,
			},
			ExecApproval: ExecApprovalCfg{
				Security: "full",
				Ask:      "off",
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.openclaw/sessions",
		},
	}
}

// Load parses the config file (JSON5, so comments and trailing commas
// survive hand edits) and overlays the environment. A missing file is
// not an error; the defaults plus environment carry a bare install.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyContextPruningDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyContextPruningDefaults()
	return cfg, nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// applyEnvOverrides overlays the environment on top of file values.
// Secrets live only here, never in config.json.
func (c *Config) applyEnvOverrides() {
	c.applyProviderEnv()
	c.applyChannelEnv()
	c.applyGatewayEnv()
	c.applySandboxEnv()

	envStr("OPENCLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("OPENCLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("OPENCLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENCLAW_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("OPENCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("OPENCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OPENCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OPENCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("OPENCLAW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("OPENCLAW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	if v := os.Getenv("OPENCLAW_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("OPENCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("OPENCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("OPENCLAW_TSNET_DIR", &c.Tailscale.StateDir)
}

func (c *Config) applyProviderEnv() {
	envStr("OPENCLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OPENCLAW_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("OPENCLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENCLAW_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("OPENCLAW_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("OPENCLAW_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("OPENCLAW_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("OPENCLAW_MISTRAL_API_KEY", &c.Providers.Mistral.APIKey)
	envStr("OPENCLAW_XAI_API_KEY", &c.Providers.XAI.APIKey)
	envStr("OPENCLAW_MINIMAX_API_KEY", &c.Providers.MiniMax.APIKey)
	envStr("OPENCLAW_COHERE_API_KEY", &c.Providers.Cohere.APIKey)
	envStr("OPENCLAW_PERPLEXITY_API_KEY", &c.Providers.Perplexity.APIKey)
}

func (c *Config) applyChannelEnv() {
	envStr("OPENCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("OPENCLAW_STT_API_KEY", &c.Channels.Telegram.STTAPIKey)

	envStr("OPENCLAW_TTS_OPENAI_API_KEY", &c.Tts.OpenAI.APIKey)
	envStr("OPENCLAW_TTS_ELEVENLABS_API_KEY", &c.Tts.ElevenLabs.APIKey)
	envStr("OPENCLAW_TTS_MINIMAX_API_KEY", &c.Tts.MiniMax.APIKey)
	envStr("OPENCLAW_TTS_MINIMAX_GROUP_ID", &c.Tts.MiniMax.GroupID)

	// A token handed in through the environment implies the channel is
	// wanted, even when the file never mentions it.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

func (c *Config) applyGatewayEnv() {
	envStr("OPENCLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENCLAW_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("OPENCLAW_BIND", &c.Gateway.Bind)
	envStr("OPENCLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("OPENCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

// applySandboxEnv lets a docker-compose overlay configure the sandbox
// without editing config.json.
func (c *Config) applySandboxEnv() {
	sandbox := func() *SandboxConfig {
		if c.Agents.Defaults.Sandbox == nil {
			c.Agents.Defaults.Sandbox = &SandboxConfig{}
		}
		return c.Agents.Defaults.Sandbox
	}

	if v := os.Getenv("OPENCLAW_SANDBOX_MODE"); v != "" {
		sandbox().Mode = v
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_IMAGE"); v != "" {
		sandbox().Image = v
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_WORKSPACE_ACCESS"); v != "" {
		sandbox().WorkspaceAccess = v
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_SCOPE"); v != "" {
		sandbox().Scope = v
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_MEMORY_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			sandbox().MemoryMB = mb
		}
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_CPUS"); v != "" {
		if cpus, err := strconv.ParseFloat(v, 64); err == nil && cpus > 0 {
			sandbox().CPUs = cpus
		}
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			sandbox().TimeoutSec = sec
		}
	}
	if v := os.Getenv("OPENCLAW_SANDBOX_NETWORK"); v != "" {
		sandbox().NetworkEnabled = v == "true" || v == "1"
	}
}

// applyContextPruningDefaults switches cache-ttl pruning on for Anthropic
// setups: long sessions gain from trimming stale tool results ahead of
// prompt-cache expiry.
func (c *Config) applyContextPruningDefaults() {
	if c.Providers.Anthropic.APIKey == "" {
		return
	}
	defaults := &c.Agents.Defaults
	if defaults.ContextPruning == nil {
		defaults.ContextPruning = &ContextPruningConfig{Mode: "cache-ttl"}
	} else if defaults.ContextPruning.Mode == "" {
		defaults.ContextPruning.Mode = "cache-ttl"
	}
}

// Save writes the config back out (plain JSON; the JSON5 niceties only
// apply on read).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash fingerprints the config for optimistic-concurrency checks.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the default workspace, home-expanded.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent merges the defaults with one agent's overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d
	}
	if spec.Provider != "" {
		d.Provider = spec.Provider
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if spec.MaxTokens > 0 {
		d.MaxTokens = spec.MaxTokens
	}
	if spec.Temperature > 0 {
		d.Temperature = spec.Temperature
	}
	if spec.MaxToolIterations > 0 {
		d.MaxToolIterations = spec.MaxToolIterations
	}
	if spec.ContextWindow > 0 {
		d.ContextWindow = spec.ContextWindow
	}
	if spec.Workspace != "" {
		d.Workspace = spec.Workspace
	}
	if spec.Sandbox != nil {
		d.Sandbox = spec.Sandbox
	}
	return d
}

// ResolveDefaultAgentID returns the agent marked default, or the
// built-in default id when none is.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns an agent's display name, "OpenClaw" when
// unset.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "OpenClaw"
}

// ApplyEnvOverrides re-overlays the environment after a config mutation,
// restoring runtime secrets that never touch disk.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.applyContextPruningDefaults()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
