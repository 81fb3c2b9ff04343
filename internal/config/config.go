package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/cron"
	"github.com/openclaw/gateway/internal/sandbox"
)

// DefaultAgentID is used when no routing rule or explicit agent applies.
const DefaultAgentID = "main"

// FlexibleStringSlice tolerates numeric entries in a JSON string array:
// chat ids in particular get written both ways by hand-edited configs.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root of config.json. The embedded mutex guards hot
// reload; readers go through the typed accessors in config_load.go.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Tts       TtsConfig       `json:"tts,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// ReplaceFrom copies all data fields from src, preserving c's mutex; the
// hot-reload path swaps a freshly parsed Config in through this.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Tts = src.Tts
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Bindings = src.Bindings
}

// TailscaleConfig drives the optional tsnet listener (OPENCLAW_BIND=
// tailnet). The auth key comes from the environment only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // tailnet machine name
	StateDir  string `json:"state_dir,omitempty"`  // default: os.UserConfigDir/tsnet-openclaw
	AuthKey   string `json:"-"`                    // OPENCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove the node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // ListenTLS with tailnet certs
}

// DatabaseConfig selects the optional Postgres persistence backend. The
// DSN is a secret and comes from OPENCLAW_POSTGRES_DSN, never from
// config.json.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// SkillsConfig locates the skills store.
type SkillsConfig struct {
	StorageDir string `json:"storage_dir,omitempty"` // default ~/.openclaw/skills-store/
}

// AgentBinding routes messages matching a channel/peer pattern to one
// agent; first match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch is the pattern side of a binding.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
	GuildID   string       `json:"guildId,omitempty"` // Discord
}

// BindingPeer pins a binding to one DM or group.
type BindingPeer struct {
	Kind string `json:"kind"` // direct | group
	ID   string `json:"id"`
}

// AgentsConfig holds shared defaults plus per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults apply to every agent that doesn't override them.
type AgentDefaults struct {
	Workspace           string                `json:"workspace"`
	RestrictToWorkspace bool                  `json:"restrict_to_workspace"`
	Provider            string                `json:"provider"`
	Model               string                `json:"model"`
	MaxTokens           int                   `json:"max_tokens"`
	Temperature         float64               `json:"temperature"`
	MaxToolIterations   int                   `json:"max_tool_iterations"`
	ContextWindow       int                   `json:"context_window"`
	Subagents           *SubagentsConfig      `json:"subagents,omitempty"`
	Sandbox             *SandboxConfig        `json:"sandbox,omitempty"`
	Memory              *MemoryConfig         `json:"memory,omitempty"`
	Compaction          *CompactionConfig     `json:"compaction,omitempty"`
	ContextPruning      *ContextPruningConfig `json:"contextPruning,omitempty"`
	Heartbeat           *HeartbeatConfig      `json:"heartbeat,omitempty"`

	// Context-file injection budgets, per file and across all files.
	BootstrapMaxChars      int `json:"bootstrapMaxChars,omitempty"`      // default 20000
	BootstrapTotalMaxChars int `json:"bootstrapTotalMaxChars,omitempty"` // default 24000
}

// AgentSpec overrides the defaults for one agent. Zero values inherit.
type AgentSpec struct {
	DisplayName       string          `json:"displayName,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	Skills            []string        `json:"skills,omitempty"` // nil allows all
	Tools             *ToolPolicySpec `json:"tools,omitempty"`
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Sandbox           *SandboxConfig  `json:"sandbox,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig is the agent's display persona.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// SubagentsConfig bounds the subagent system. Zero values mean default.
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"maxConcurrent,omitempty"`       // default 8
	MaxSpawnDepth       int    `json:"maxSpawnDepth,omitempty"`       // default 1, range 1-5
	MaxChildrenPerAgent int    `json:"maxChildrenPerAgent,omitempty"` // default 5, range 1-20
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes,omitempty"` // default 60
	Model               string `json:"model,omitempty"`
}

// CompactionConfig tunes when and how session history gets summarized.
type CompactionConfig struct {
	ReserveTokensFloor int                `json:"reserveTokensFloor,omitempty"` // default 20000
	MaxHistoryShare    float64            `json:"maxHistoryShare,omitempty"`    // default 0.75
	MinMessages        int                `json:"minMessages,omitempty"`        // default 50
	KeepLastMessages   int                `json:"keepLastMessages,omitempty"`   // default 4
	MemoryFlush        *MemoryFlushConfig `json:"memoryFlush,omitempty"`
}

// MemoryFlushConfig tunes the pre-compaction flush turn.
type MemoryFlushConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`             // nil means enabled
	SoftThresholdTokens int    `json:"softThresholdTokens,omitempty"` // default 4000
	Prompt              string `json:"prompt,omitempty"`
	SystemPrompt        string `json:"systemPrompt,omitempty"`
}

// ContextPruningConfig trims old tool results from the in-memory
// conversation before compaction would kick in.
type ContextPruningConfig struct {
	Mode                 string                   `json:"mode,omitempty"`                 // off (default) | cache-ttl
	KeepLastAssistants   int                      `json:"keepLastAssistants,omitempty"`   // default 3
	SoftTrimRatio        float64                  `json:"softTrimRatio,omitempty"`        // default 0.3
	HardClearRatio       float64                  `json:"hardClearRatio,omitempty"`       // default 0.5
	MinPrunableToolChars int                      `json:"minPrunableToolChars,omitempty"` // default 50000
	SoftTrim             *ContextPruningSoftTrim  `json:"softTrim,omitempty"`
	HardClear            *ContextPruningHardClear `json:"hardClear,omitempty"`
}

type ContextPruningSoftTrim struct {
	MaxChars  int `json:"maxChars,omitempty"`  // default 4000
	HeadChars int `json:"headChars,omitempty"` // default 1500
	TailChars int `json:"tailChars,omitempty"` // default 1500
}

type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"` // nil means enabled
	Placeholder string `json:"placeholder,omitempty"`
}

// HeartbeatConfig schedules the agent's periodic self-directed turn.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"` // "30m" default, "0m" disables
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"`
	Model       string             `json:"model,omitempty"`
	Session     string             `json:"session,omitempty"`     // "main" (default) or a session key
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or a channel
	To          string             `json:"to,omitempty"`          // recipient override
	Prompt      string             `json:"prompt,omitempty"`
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // tail allowed after HEARTBEAT_OK, default 300
}

// ActiveHoursConfig restricts heartbeats to a daily window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA name, default local
}

// MemoryConfig tunes the agent memory search stack.
type MemoryConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"` // nil means enabled
	EmbeddingProvider string  `json:"embedding_provider,omitempty"`
	EmbeddingModel    string  `json:"embedding_model,omitempty"` // default text-embedding-3-small
	EmbeddingAPIBase  string  `json:"embedding_api_base,omitempty"`
	MaxResults        int     `json:"max_results,omitempty"`   // default 6
	MaxChunkLen       int     `json:"max_chunk_len,omitempty"` // default 1000
	VectorWeight      float64 `json:"vector_weight,omitempty"` // default 0.7
	TextWeight        float64 `json:"text_weight,omitempty"`   // default 0.3
	MinScore          float64 `json:"min_score,omitempty"`     // default 0.35
}

// SandboxConfig shapes the Docker sandbox containers.
type SandboxConfig struct {
	Mode            string            `json:"mode,omitempty"`             // off (default) | non-main | all
	Image           string            `json:"image,omitempty"`            // default openclaw-sandbox:bookworm-slim
	WorkspaceAccess string            `json:"workspace_access,omitempty"` // none | ro | rw (default)
	Scope           string            `json:"scope,omitempty"`            // session (default) | agent | shared
	MemoryMB        int               `json:"memory_mb,omitempty"`        // default 512
	CPUs            float64           `json:"cpus,omitempty"`             // default 1.0
	TimeoutSec      int               `json:"timeout_sec,omitempty"`      // default 300
	NetworkEnabled  bool              `json:"network_enabled,omitempty"`
	ReadOnlyRoot    *bool             `json:"read_only_root,omitempty"` // nil means read-only
	SetupCommand    string            `json:"setup_command,omitempty"`
	Env             map[string]string `json:"env,omitempty"`

	User           string `json:"user,omitempty"`             // container user, e.g. "1000:1000"
	TmpfsSizeMB    int    `json:"tmpfs_size_mb,omitempty"`    // 0 = Docker default
	MaxOutputBytes int    `json:"max_output_bytes,omitempty"` // default 1MB

	IdleHours        int `json:"idle_hours,omitempty"`         // prune idle containers, default 24
	MaxAgeDays       int `json:"max_age_days,omitempty"`       // default 7
	PruneIntervalMin int `json:"prune_interval_min,omitempty"` // default 5
}

// ToSandboxConfig maps the JSON shape onto sandbox.Config with defaults
// filled in.
func (sc *SandboxConfig) ToSandboxConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	if sc == nil {
		return cfg
	}

	switch sc.Mode {
	case "all":
		cfg.Mode = sandbox.ModeAll
	case "non-main":
		cfg.Mode = sandbox.ModeNonMain
	default:
		cfg.Mode = sandbox.ModeOff
	}
	switch sc.WorkspaceAccess {
	case "none":
		cfg.WorkspaceAccess = sandbox.AccessNone
	case "ro":
		cfg.WorkspaceAccess = sandbox.AccessRO
	case "rw":
		cfg.WorkspaceAccess = sandbox.AccessRW
	}
	switch sc.Scope {
	case "agent":
		cfg.Scope = sandbox.ScopeAgent
	case "shared":
		cfg.Scope = sandbox.ScopeShared
	case "session":
		cfg.Scope = sandbox.ScopeSession
	}

	if sc.Image != "" {
		cfg.Image = sc.Image
	}
	if sc.MemoryMB > 0 {
		cfg.MemoryMB = sc.MemoryMB
	}
	if sc.CPUs > 0 {
		cfg.CPUs = sc.CPUs
	}
	if sc.TimeoutSec > 0 {
		cfg.TimeoutSec = sc.TimeoutSec
	}
	cfg.NetworkEnabled = sc.NetworkEnabled
	if sc.ReadOnlyRoot != nil {
		cfg.ReadOnlyRoot = *sc.ReadOnlyRoot
	}
	if sc.SetupCommand != "" {
		cfg.SetupCommand = sc.SetupCommand
	}
	if len(sc.Env) > 0 {
		cfg.Env = sc.Env
	}
	if sc.User != "" {
		cfg.User = sc.User
	}
	if sc.TmpfsSizeMB > 0 {
		cfg.TmpfsSizeMB = sc.TmpfsSizeMB
	}
	if sc.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = sc.MaxOutputBytes
	}
	if sc.IdleHours > 0 {
		cfg.IdleHours = sc.IdleHours
	}
	if sc.MaxAgeDays > 0 {
		cfg.MaxAgeDays = sc.MaxAgeDays
	}
	if sc.PruneIntervalMin > 0 {
		cfg.PruneIntervalMin = sc.PruneIntervalMin
	}
	return cfg
}

// TelemetryConfig drives OTLP span export alongside local storage.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // grpc (default) | http
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext, for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default openclaw-gateway
	Headers     map[string]string `json:"headers,omitempty"`      // auth headers for hosted backends
}

// CronConfig tunes job retry behaviour.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // default 3; 0 keeps the default
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // Go duration, default "2s"
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // Go duration, default "30s"
}

// ToRetryConfig maps CronConfig onto cron.RetryConfig with defaults.
func (cc CronConfig) ToRetryConfig() cron.RetryConfig {
	cfg := cron.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
		cfg.BaseDelay = d
	}
	if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
		cfg.MaxDelay = d
	}
	return cfg
}
