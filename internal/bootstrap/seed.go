package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// templateFiles lists the templates seeded into every workspace, in order.
// BOOTSTRAP.md is handled separately: it is only seeded into brand-new
// workspaces, since it drives a one-time first-run ritual.
var templateFiles = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
}

// ReadTemplate returns the content of an embedded template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds the template files into workspaceDir, creating
// only what is absent — user edits are never overwritten. Returns the names
// of the files created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}

	// A workspace with no AGENTS.md yet is brand new and also gets
	// BOOTSTRAP.md.
	_, agentsErr := os.Stat(filepath.Join(workspaceDir, AgentsFile))
	names := templateFiles
	if os.IsNotExist(agentsErr) {
		names = append(append([]string{}, templateFiles...), BootstrapFile)
	}

	var created []string
	for _, name := range names {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if absent. The O_EXCL open makes the
// exists-check and the create atomic, so two agents seeding the same
// workspace concurrently cannot truncate each other's copy.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
