package agent

import (
	"fmt"
	"strings"

	"github.com/openclaw/gateway/internal/bootstrap"
)

// PromptMode selects how much of the persona stack a run's system prompt
// carries. Subagent and cron runs get the minimal form: they are working
// turns, not conversations.
type PromptMode string

const (
	PromptFull    PromptMode = "full"
	PromptMinimal PromptMode = "minimal"
)

// SystemPromptConfig is the input to BuildSystemPrompt.
type SystemPromptConfig struct {
	AgentID   string
	Model     string
	Workspace string
	Channel   string
	OwnerIDs  []string
	Mode      PromptMode

	ToolNames      []string
	SkillsSummary  string
	HasMemory      bool
	HasSpawn       bool
	HasSkillSearch bool

	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string

	SandboxEnabled         bool
	SandboxContainerDir    string
	SandboxWorkspaceAccess string
}

// BuildSystemPrompt assembles the system prompt: role header, environment,
// tool inventory, skills, then the workspace context files verbatim.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sb strings.Builder

	if cfg.Mode == PromptMinimal {
		sb.WriteString("You are a focused worker agent. Complete the task you are given; your final message is the deliverable.\n\n")
	} else {
		sb.WriteString("You are a personal assistant reachable over chat channels. Messages arrive from real people on real devices; reply as a person would, without markdown headers unless asked.\n\n")
	}

	fmt.Fprintf(&sb, "## Environment\nAgent: %s\nModel: %s\n", cfg.AgentID, cfg.Model)
	if cfg.Channel != "" {
		fmt.Fprintf(&sb, "Channel: %s\n", cfg.Channel)
	}
	if cfg.Workspace != "" {
		fmt.Fprintf(&sb, "Workspace: %s\n", cfg.Workspace)
	}
	if cfg.SandboxEnabled {
		fmt.Fprintf(&sb, "Execution runs in a sandbox (workdir %s, workspace access %s). Host paths are not visible.\n",
			cfg.SandboxContainerDir, cfg.SandboxWorkspaceAccess)
	}
	if len(cfg.OwnerIDs) > 0 && cfg.Mode == PromptFull {
		fmt.Fprintf(&sb, "Owner ids: %s\n", strings.Join(cfg.OwnerIDs, ", "))
	}
	sb.WriteString("\n")

	if len(cfg.ToolNames) > 0 {
		fmt.Fprintf(&sb, "## Tools\nAvailable: %s\n", strings.Join(cfg.ToolNames, ", "))
		if cfg.HasSpawn {
			sb.WriteString("Use sessions_spawn for long side-tasks; the result is announced back to you.\n")
		}
		if cfg.HasMemory {
			sb.WriteString("Use memory_search before claiming you don't remember something.\n")
		}
		sb.WriteString("\n")
	}

	if cfg.SkillsSummary != "" {
		sb.WriteString("## Skills\nScan <available_skills> and follow a matching skill before improvising.\n")
		sb.WriteString(cfg.SkillsSummary)
		sb.WriteString("\n\n")
	} else if cfg.HasSkillSearch {
		sb.WriteString("## Skills\nUse skill_search to find a relevant skill before improvising a workflow.\n\n")
	}

	for _, cf := range cfg.ContextFiles {
		fmt.Fprintf(&sb, "---\n%s:\n\n%s\n", cf.Path, strings.TrimSpace(cf.Content))
	}

	if cfg.ExtraPrompt != "" {
		sb.WriteString("\n")
		sb.WriteString(cfg.ExtraPrompt)
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}
