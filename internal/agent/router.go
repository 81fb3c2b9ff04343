package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/openclaw/gateway/internal/bootstrap"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/skills"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tools"
	"github.com/openclaw/gateway/internal/tracing"
)

// Agent is what the Run Controller drives: one configured agent able to
// execute turns. *Engine is the concrete implementation.
type Agent interface {
	ID() string
	Model() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc builds (or fetches) the Agent for an agent key.
type ResolverFunc func(agentKey string) (Agent, error)

// Router caches resolved Agents by key so repeated turns reuse one Engine
// instance (and its per-session locks) instead of rebuilding it.
type Router struct {
	mu      sync.Mutex
	agents  map[string]*agentEntry
	resolve ResolverFunc
}

type agentEntry struct {
	agent Agent
	err   error
	once  sync.Once
}

// NewRouter creates a Router over resolve.
func NewRouter(resolve ResolverFunc) *Router {
	return &Router{
		agents:  make(map[string]*agentEntry),
		resolve: resolve,
	}
}

// Get returns the Agent for agentKey, resolving it on first use.
func (r *Router) Get(agentKey string) (Agent, error) {
	r.mu.Lock()
	entry, ok := r.agents[agentKey]
	if !ok {
		entry = &agentEntry{}
		r.agents[agentKey] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.agent, entry.err = r.resolve(agentKey)
	})
	if entry.err != nil {
		// Drop the failed entry so a later config fix can retry.
		r.mu.Lock()
		delete(r.agents, agentKey)
		r.mu.Unlock()
	}
	return entry.agent, entry.err
}

// InvalidateAgent removes an agent from the cache, forcing re-resolution on
// next use (config hot-reload).
func (r *Router) InvalidateAgent(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentKey)
	slog.Debug("invalidated agent cache", "agent", agentKey)
}

// InvalidateAll clears the whole cache.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*agentEntry)
	slog.Debug("invalidated all agent caches")
}

// ResolverDeps holds the shared collaborators the config-based resolver
// wires into every Engine it builds.
type ResolverDeps struct {
	Config      *config.Config
	ProviderReg *providers.Registry
	Sessions    store.SessionStore
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	Skills      *skills.Loader
	OnEvent     func(AgentEvent)

	TraceCollector *tracing.Collector

	InjectionAction string
	MaxMessageChars int

	OwnerIDs []string

	SandboxEnabled         bool
	SandboxContainerDir    string
	SandboxWorkspaceAccess string
}

// NewConfigResolver builds Engines from config.json agent specs: the agent key
// selects an AgentSpec (falling back to defaults), whose provider is
// fetched from the registry, and the workspace is seeded with the bootstrap
// template files on first run.
func NewConfigResolver(deps ResolverDeps) ResolverFunc {
	return func(agentKey string) (Agent, error) {
		resolved := deps.Config.ResolveAgent(agentKey)

		provider, err := deps.ProviderReg.Get(resolved.Provider)
		if err != nil {
			names := deps.ProviderReg.List()
			if len(names) == 0 {
				return nil, fmt.Errorf("no providers configured for agent %s", agentKey)
			}
			provider, _ = deps.ProviderReg.Get(names[0])
			slog.Warn("agent provider not found, using fallback",
				"agent", agentKey, "wanted", resolved.Provider, "using", names[0])
		}

		workspace := resolved.Workspace
		if workspace != "" {
			workspace = config.ExpandHome(workspace)
			if !filepath.IsAbs(workspace) {
				workspace, _ = filepath.Abs(workspace)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				slog.Warn("failed to create agent workspace directory", "workspace", workspace, "agent", agentKey, "error", err)
			}
		}

		contextFiles := bootstrap.SeedWorkspace(workspace, agentKey)

		var spec *config.AgentSpec
		if s, ok := deps.Config.Agents.List[agentKey]; ok {
			spec = &s
		}
		var skillAllowList []string
		var agentToolPolicy *config.ToolPolicySpec
		thinkingLevel := ""
		if spec != nil {
			skillAllowList = spec.Skills
			agentToolPolicy = spec.Tools
		}

		engine := NewEngine(EngineConfig{
			Key:            agentKey,
			Provider:       provider,
			Model:          resolved.Model,
			ContextWindow:  resolved.ContextWindow,
			MaxTurns:       resolved.MaxToolIterations,
			Workspace:      workspace,
			Sessions:       deps.Sessions,
			Tools:          deps.Tools,
			ToolPolicy:     deps.ToolPolicy,
			AgentPolicy:    agentToolPolicy,
			OnEvent:        deps.OnEvent,
			OwnerIDs:       deps.OwnerIDs,
			SkillsLoader:   deps.Skills,
			SkillAllow:     skillAllowList,
			ContextFiles:   contextFiles,
			Compaction:     resolved.Compaction,
			Pruning:        resolved.ContextPruning,
			Traces:         deps.TraceCollector,
			GuardAction:    deps.InjectionAction,
			MaxInputChars:  deps.MaxMessageChars,
			SandboxEnabled: deps.SandboxEnabled,
			SandboxDir:     deps.SandboxContainerDir,
			SandboxAccess:  deps.SandboxWorkspaceAccess,
			Thinking:       thinkingLevel,
		})

		slog.Info("resolved agent from config", "agent", agentKey, "model", resolved.Model, "provider", resolved.Provider)
		return engine, nil
	}
}
