package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openclaw/gateway/internal/agent"
	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/channels"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/cron"
	"github.com/openclaw/gateway/internal/gateway"
	"github.com/openclaw/gateway/internal/gateway/methods"
	"github.com/openclaw/gateway/internal/ingress"
	"github.com/openclaw/gateway/internal/queue"
	"github.com/openclaw/gateway/internal/sandbox"
	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/skills"
	"github.com/openclaw/gateway/internal/store"
	storefile "github.com/openclaw/gateway/internal/store/file"
	"github.com/openclaw/gateway/internal/store/pg"
	"github.com/openclaw/gateway/internal/store/sqlite"
	"github.com/openclaw/gateway/internal/tools"
	"github.com/openclaw/gateway/internal/tracing"
	"github.com/openclaw/gateway/pkg/protocol"
)

// Process exit codes: 0 normal stop, 1 bind failure, 2 config
// validation failure, 3 unauthorized non-loopback bind.
const (
	exitOK           = 0
	exitBindFailure  = 1
	exitBadConfig    = 2
	exitUnauthorized = 3
)

func runGateway() {
	os.Exit(gatewayMain())
}

func gatewayMain() int {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		return exitBadConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		restart, code := runGatewayOnce(ctx, cfg)
		if !restart {
			return code
		}
		slog.Info("gateway restarting in place (SIGUSR1)")
	}
}

// runGatewayOnce boots every component, serves until shutdown or SIGUSR1,
// and reports whether an in-place restart was requested.
func runGatewayOnce(ctx context.Context, cfg *config.Config) (restart bool, exitCode int) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stateDir := config.ExpandHome("~/.openclaw")
	sessionsDir := config.ExpandHome(cfg.Sessions.Storage)
	if sessionsDir == "" {
		sessionsDir = filepath.Join(stateDir, "sessions")
	}

	// Tracing (optional OTLP export).
	collector, shutdownTracing, err := tracing.Init(runCtx, tracing.ExporterConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		slog.Warn("tracing init failed, continuing without export", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		shutdownTracing(flushCtx)
	}()

	msgBus := bus.New(256)

	// Persistence: Postgres-backed stores when a DSN is configured,
	// file-backed otherwise.
	var sessionStore store.SessionStore
	var registry *sessions.Registry
	var cronStore store.CronStore
	if cfg.Database.PostgresDSN != "" {
		if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
			slog.Error("postgres migration failed", "error", err)
			return false, exitBadConfig
		}
		pool, err := pg.Connect(runCtx, cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("postgres connect failed", "error", err)
			return false, exitBadConfig
		}
		defer pool.Close()
		sessionStore = pg.NewSessionStore(pool)
		registry = sessions.NewRegistry(sessionsDir, nil)
		cronStore = pg.NewCronStore(pool)
	} else {
		fileStore := storefile.NewFileSessionStore(sessionsDir)
		sessionStore = fileStore
		registry = fileStore.Registry()
		cs, err := storefile.NewFileCronStore(filepath.Join(stateDir, "cron", "jobs.json"))
		if err != nil {
			slog.Error("cron store load failed", "error", err)
			return false, exitBadConfig
		}
		cronStore = cs
	}

	// Embedded store for exec-approval allowlist and pairing records.
	embedded, err := sqlite.Open(filepath.Join(stateDir, "exec-approvals.db"))
	if err != nil {
		slog.Error("embedded store open failed", "error", err)
		return false, exitBadConfig
	}
	defer embedded.Close()
	pairingStore := sqlite.NewPairingStore(embedded)

	// Exec approval engine.
	approvals := buildApprovalEngine(cfg, embedded, msgBus)

	// Providers.
	providerReg := buildProviderRegistry(cfg)
	if len(providerReg.List()) == 0 {
		slog.Error("no LLM providers configured")
		return false, exitBadConfig
	}

	// Sandbox manager (optional).
	var sandboxMgr sandbox.Manager
	sandboxCfg := cfg.Agents.Defaults.Sandbox.ToSandboxConfig()
	sandboxEnabled := sandboxCfg.Mode != sandbox.ModeOff
	if sandboxEnabled {
		if err := sandbox.CheckDockerAvailable(runCtx); err != nil {
			slog.Warn("sandbox requested but docker unavailable, falling back to host exec", "error", err)
			sandboxEnabled = false
		} else {
			sandboxMgr = sandbox.NewDockerManager(sandboxCfg)
			defer sandboxMgr.Close(context.Background())
		}
	}

	// Tools.
	skillsLoader := skills.NewLoader(filepath.Join(stateDir, "skills"))
	toolsReg, mcpConn := buildToolRegistry(runCtx, cfg, sessionStore, msgBus, sandboxMgr, sandboxEnabled, approvals, providerReg, registry)
	if mcpConn != nil {
		defer mcpConn.Close()
	}
	toolPolicy := tools.NewPolicyEngine(&cfg.Tools)

	// Queue & Scheduler lanes.
	sched := queue.New(
		queue.WithSubagentConcurrency(subagentConcurrency(cfg)),
		queue.WithMaxDepth(64),
	)
	sched.Start(runCtx, queue.LaneSubagent)
	sched.Start(runCtx, queue.LaneHeartbeat)

	// Channel manager.
	channelMgr := channels.NewManager(msgBus)
	buildChannels(cfg, msgBus, channelMgr, pairingStore)

	// Agent router + run controller.
	var controller *agent.Controller
	agents := agent.NewRouter(agent.NewConfigResolver(agent.ResolverDeps{
		Config:      cfg,
		ProviderReg: providerReg,
		Sessions:    sessionStore,
		Tools:       toolsReg,
		ToolPolicy:  toolPolicy,
		Skills:      skillsLoader,
		OnEvent: func(ev agent.AgentEvent) {
			if controller != nil {
				controller.HandleAgentEvent(ev)
			}
			channelMgr.HandleAgentEvent(ev.Type, ev.RunID, ev.Payload)
		},
		TraceCollector:         collector,
		InjectionAction:        cfg.Gateway.InjectionAction,
		MaxMessageChars:        cfg.Gateway.MaxMessageChars,
		OwnerIDs:               cfg.Gateway.OwnerIDs,
		SandboxEnabled:         sandboxEnabled,
		SandboxContainerDir:    sandboxCfg.ContainerWorkdir(),
		SandboxWorkspaceAccess: string(sandboxCfg.WorkspaceAccess),
	}))

	controller = agent.NewController(agent.ControllerConfig{
		Router:    agents,
		Scheduler: sched,
		Sessions:  sessionStore,
		Registry:  registry,
		Events:    msgBus,
		Outbound:  msgBus,
		Approvals: approvals,
	})

	// Config hot-reload: a saved edit swaps the tree and invalidates the
	// agent cache so the next turn resolves against the new settings.
	if err := config.Watch(runCtx, cfg, resolveConfigPath(), agents.InvalidateAll); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	// Ingress normalizer.
	normalizer := ingress.New(ingress.Options{
		Registry:     registry,
		Pairing:      pairingStore,
		Guard:        agent.NewInputGuard(),
		GuardAction:  ingress.GuardAction(cfg.Gateway.InjectionAction),
		DefaultAgent: cfg.ResolveDefaultAgentID(),
	})

	// Cron & heartbeats.
	heartbeats := cron.NewHeartbeats(controller.RunHeartbeat)
	cronSvc := cron.New(cronStore, &cronDispatcher{controller: controller, heartbeats: heartbeats}, cfg.Cron.ToRetryConfig())
	cronSvc.Start(runCtx)
	defer cronSvc.Stop()
	enableConfiguredHeartbeats(runCtx, cfg, heartbeats)

	// Channel inbound consumer.
	go consumeInbound(runCtx, cfg, msgBus, normalizer, controller)

	// Channels start after the consumer so early messages aren't dropped.
	if err := channelMgr.StartAll(runCtx); err != nil {
		slog.Error("channel start failed", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	// RPC hub.
	server := gateway.NewServer(cfg, msgBus)
	methods.RegisterAll(server.Router(), methods.Deps{
		Controller:    controller,
		Normalizer:    normalizer,
		Registry:      registry,
		Sessions:      sessionStore,
		Cron:          cronSvc,
		Heartbeats:    heartbeats,
		Approvals:     approvals,
		Scheduler:     sched,
		ChannelPolicy: channelPolicyFunc(cfg),
		StartedAt:     time.Now(),
	})

	// SIGUSR1 requests an in-place listener restart.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(runCtx) }()

	select {
	case <-ctx.Done():
		slog.Info("gateway shutting down")
		cancel()
		<-serveErr
		return false, exitOK
	case <-usr1:
		cancel()
		<-serveErr
		return true, exitOK
	case err := <-serveErr:
		if err == nil {
			return false, exitOK
		}
		var unauth *gateway.ErrUnauthorizedBind
		if errors.As(err, &unauth) {
			slog.Error("refusing to start", "error", err)
			return false, exitUnauthorized
		}
		slog.Error("gateway listener failed", "error", err)
		return false, exitBindFailure
	}
}

// cronDispatcher adapts the Run Controller and heartbeat queue to the cron
// engine's Dispatcher capability.
type cronDispatcher struct {
	controller *agent.Controller
	heartbeats *cron.Heartbeats
}

func (d *cronDispatcher) PushSystemEvent(ctx context.Context, job *store.CronJob, wakeNow bool) error {
	agentID := job.AgentID
	if agentID == "" {
		agentID = "main"
	}
	d.heartbeats.Push(agentID, job.Payload.Text, wakeNow)
	return nil
}

func (d *cronDispatcher) SendMessage(ctx context.Context, channel, to, text string) error {
	return d.controller.SendDirect(ctx, channel, to, text)
}

func subagentConcurrency(cfg *config.Config) int {
	if sc := cfg.Agents.Defaults.Subagents; sc != nil && sc.MaxConcurrent > 0 {
		return sc.MaxConcurrent
	}
	return queue.DefaultSubagentConcurrency
}

func enableConfiguredHeartbeats(ctx context.Context, cfg *config.Config, heartbeats *cron.Heartbeats) {
	hb := cfg.Agents.Defaults.Heartbeat
	if hb == nil || hb.Every == "" || hb.Every == "0m" {
		return
	}
	every, err := time.ParseDuration(hb.Every)
	if err != nil || every <= 0 {
		slog.Warn("bad heartbeat interval, disabled", "every", hb.Every)
		return
	}

	hbCfg := cron.HeartbeatConfig{Every: every, Prompt: hb.Prompt}
	if ah := hb.ActiveHours; ah != nil {
		hbCfg.ActiveHours = cron.ActiveHours{Start: ah.Start, End: ah.End, Timezone: ah.Timezone}
	}

	heartbeats.Enable(ctx, cfg.ResolveDefaultAgentID(), hbCfg)
	for agentID := range cfg.Agents.List {
		heartbeats.Enable(ctx, agentID, hbCfg)
	}
}

func buildApprovalEngine(cfg *config.Config, embedded *sqlite.DB, msgBus *bus.MessageBus) *approval.Engine {
	policy := approval.DefaultPolicy()
	ea := cfg.Tools.ExecApproval
	if ea.Security != "" {
		policy.Security = approval.Security(ea.Security)
	}
	if ea.Ask != "" {
		policy.Ask = approval.AskMode(ea.Ask)
	}
	if persisted, err := embedded.LoadAllowlist(""); err == nil && len(persisted) > 0 {
		policy.Allowlist = persisted
	} else if len(ea.Allowlist) > 0 {
		policy.Allowlist = ea.Allowlist
	}

	engine := approval.New(policy)
	engine.SetPersistFunc(func(allowlist []string) {
		if err := embedded.SaveAllowlist("", allowlist); err != nil {
			slog.Warn("persist exec allowlist failed", "error", err)
		}
	})
	engine.SetNotifiers(
		func(req *approval.Request) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventExecApprovalReq, Payload: req})
		},
		func(req *approval.Request) {
			msgBus.Broadcast(bus.Event{Name: protocol.EventExecApprovalDecide, Payload: map[string]interface{}{
				"id":     req.ID,
				"runId":  req.RunID,
				"status": req.Status(),
			}})
		},
	)
	return engine
}
