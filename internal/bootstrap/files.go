// Package bootstrap seeds and loads the per-workspace context files injected
// into an agent's system prompt: persona, identity, tool notes, and the
// one-time BOOTSTRAP.md first-run ritual.
package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaw/gateway/internal/sessions"
)

// Workspace context file names.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// Truncation budgets for context injection: per-file and total across all
// files, keeping a pathological workspace from eating the context window.
const (
	DefaultMaxCharsPerFile = 20_000
	DefaultTotalMaxChars   = 24_000
)

// ContextFile is one workspace document injected into the system prompt.
type ContextFile struct {
	Path    string
	Content string
}

// IsSubagentSession reports whether key addresses a subagent session; such
// runs get the minimal prompt without the full persona stack.
func IsSubagentSession(key string) bool { return sessions.IsSubagentSession(key) }

// IsCronSession reports whether key addresses a cron-owned session.
func IsCronSession(key string) bool { return sessions.IsCronSession(key) }

// LoadWorkspaceFiles reads the recognized context files present in
// workspaceDir, applying the truncation budgets. Missing files are skipped.
func LoadWorkspaceFiles(workspaceDir string, maxPerFile, totalMax int) []ContextFile {
	if workspaceDir == "" {
		return nil
	}
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxCharsPerFile
	}
	if totalMax <= 0 {
		totalMax = DefaultTotalMaxChars
	}

	names := append(append([]string{}, templateFiles...), BootstrapFile)
	var out []ContextFile
	budget := totalMax
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxPerFile {
			content = content[:maxPerFile] + "\n[truncated]"
		}
		if len(content) > budget {
			if budget <= 0 {
				break
			}
			content = content[:budget] + "\n[truncated]"
		}
		budget -= len(content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, ContextFile{Path: name, Content: content})
	}
	return out
}

// SeedWorkspace ensures the template files exist in workspaceDir and returns
// the loaded context files. Errors are logged, not returned: an unseedable
// workspace degrades to a promptless agent rather than a failed boot.
func SeedWorkspace(workspaceDir, agentID string) []ContextFile {
	if workspaceDir == "" {
		return nil
	}
	created, err := EnsureWorkspaceFiles(workspaceDir)
	if err != nil {
		slog.Warn("bootstrap: workspace seeding failed", "workspace", workspaceDir, "agent", agentID, "error", err)
		return nil
	}
	if len(created) > 0 {
		slog.Info("bootstrap: seeded workspace files", "workspace", workspaceDir, "agent", agentID, "files", created)
	}
	return LoadWorkspaceFiles(workspaceDir, 0, 0)
}
