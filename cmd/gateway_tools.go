package cmd

import (
	"context"
	"time"

	"github.com/openclaw/gateway/internal/approval"
	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
	"github.com/openclaw/gateway/internal/sandbox"
	"github.com/openclaw/gateway/internal/sessions"
	"github.com/openclaw/gateway/internal/store"
	"github.com/openclaw/gateway/internal/tools"
)

// buildToolRegistry assembles the builtin tool set: filesystem, exec
// (approval-gated, sandbox-aware), session management, subagent spawn,
// browser automation, vision/imagegen, plus any configured MCP servers.
func buildToolRegistry(
	ctx context.Context,
	cfg *config.Config,
	sessionStore store.SessionStore,
	msgBus *bus.MessageBus,
	sandboxMgr sandbox.Manager,
	sandboxEnabled bool,
	approvals *approval.Engine,
	providerReg *providers.Registry,
	registry *sessions.Registry,
) (*tools.Registry, *tools.MCPConnector) {
	reg := tools.NewRegistry()

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	// Filesystem.
	var readTool *tools.ReadFileTool
	if sandboxEnabled && sandboxMgr != nil {
		readTool = tools.NewSandboxedReadFileTool(workspace, restrict, sandboxMgr)
		reg.Register(tools.NewSandboxedWriteFileTool(workspace, restrict, sandboxMgr))
		reg.Register(tools.NewSandboxedListFilesTool(workspace, restrict, sandboxMgr))
	} else {
		readTool = tools.NewReadFileTool(workspace, restrict)
		reg.Register(tools.NewWriteFileTool(workspace, restrict))
		reg.Register(tools.NewListFilesTool(workspace, restrict))
	}
	readTool.DenyPaths(".openclaw")
	reg.Register(readTool)
	reg.Register(tools.NewEditFileTool(workspace, restrict))

	// Exec, gated by the approval engine.
	var execTool *tools.ExecTool
	if sandboxEnabled && sandboxMgr != nil {
		execTool = tools.NewSandboxedExecTool(workspace, restrict, sandboxMgr)
	} else {
		execTool = tools.NewExecTool(workspace, restrict)
	}
	execTool.SetApprovalManager(approvals, cfg.ResolveDefaultAgentID())
	reg.Register(execTool)

	// Session management.
	sessionsList := tools.NewSessionsListTool()
	sessionsList.SetSessionStore(sessionStore)
	reg.Register(sessionsList)

	sessionsHistory := tools.NewSessionsHistoryTool()
	sessionsHistory.SetSessionStore(sessionStore)
	reg.Register(sessionsHistory)

	sessionsSend := tools.NewSessionsSendTool()
	sessionsSend.SetSessionStore(sessionStore)
	sessionsSend.SetMessageBus(msgBus)
	reg.Register(sessionsSend)

	sessionStatus := tools.NewSessionStatusTool()
	sessionStatus.SetSessionStore(sessionStore)
	reg.Register(sessionStatus)

	// Subagents: spawn runs against the default agent's provider with a
	// restricted clone of this registry.
	defaults := cfg.ResolveAgent(cfg.ResolveDefaultAgentID())
	if provider, err := providerReg.Get(defaults.Provider); err == nil {
		subCfg := tools.DefaultSubagentConfig()
		if sc := cfg.Agents.Defaults.Subagents; sc != nil {
			if sc.MaxConcurrent > 0 {
				subCfg.MaxConcurrent = sc.MaxConcurrent
			}
			if sc.MaxSpawnDepth > 0 {
				subCfg.MaxSpawnDepth = sc.MaxSpawnDepth
			}
			if sc.MaxChildrenPerAgent > 0 {
				subCfg.MaxChildrenPerAgent = sc.MaxChildrenPerAgent
			}
			if sc.ArchiveAfterMinutes > 0 {
				subCfg.ArchiveAfterMinutes = sc.ArchiveAfterMinutes
			}
			subCfg.Model = sc.Model
		}

		subMgr := tools.NewSubagentManager(provider, defaults.Model, msgBus, reg.Clone, subCfg)
		subMgr.SetAnnounceQueue(tools.NewAnnounceQueue(msgBus, 2*time.Second, subMgr.CountRunningForParent))

		depthOf := func(sessionKey string) int {
			if e := registry.Get(sessionKey); e != nil {
				return e.SpawnDepth
			}
			return 0
		}
		reg.Register(tools.NewSpawnTool(subMgr, depthOf))
		reg.Register(tools.NewSubagentsTool(subMgr))
	}

	// Vision / image generation.
	reg.Register(tools.NewReadImageTool(providerReg))
	reg.Register(tools.NewCreateImageTool(providerReg))

	// Browser automation.
	if cfg.Tools.Browser.Enabled {
		reg.Register(tools.NewBrowserTool(cfg.Tools.Browser.Headless))
	}

	// External MCP servers.
	var mcpConn *tools.MCPConnector
	if len(cfg.Tools.McpServers) > 0 {
		mcpConn = tools.NewMCPConnector(ctx, cfg.Tools.McpServers, reg)
	}

	return reg, mcpConn
}
