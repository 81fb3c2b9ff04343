package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openclaw/gateway/internal/sandbox"
)

// ReadFileTool reads file contents, on the host or through a sandbox
// container.
type ReadFileTool struct {
	workspace       string
	restrict        bool
	allowedPrefixes []string // extra readable roots, e.g. skills dirs
	deniedPrefixes  []string // workspace-relative prefixes to refuse
	sandboxMgr      sandbox.Manager
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

// AllowPaths opens extra roots to read_file even under workspace
// restriction (skills directories and the like).
func (t *ReadFileTool) AllowPaths(prefixes ...string) {
	t.allowedPrefixes = append(t.allowedPrefixes, prefixes...)
}

// DenyPaths refuses workspace-relative prefixes regardless of everything
// else.
func (t *ReadFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func NewSandboxedReadFileTool(workspace string, restrict bool, mgr sandbox.Manager) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict, sandboxMgr: mgr}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	if sandboxKey := ToolSandboxKeyFromCtx(ctx); t.sandboxMgr != nil && sandboxKey != "" {
		return t.readInSandbox(ctx, path, sandboxKey)
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := securePathAllowing(path, workspace, t.restrict, t.allowedPrefixes)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := refuseDeniedPrefix(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

func (t *ReadFileTool) readInSandbox(ctx context.Context, path, sandboxKey string) *Result {
	sb, err := t.sandboxMgr.Get(ctx, sandboxKey, t.workspace)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sandbox error: %v", err))
	}
	bridge := sandbox.NewFsBridge(sb.ID(), "/workspace")
	data, err := bridge.ReadFile(ctx, path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(data)
}

// securePathAllowing is securePath plus an escape hatch: a path rejected
// by the workspace boundary is still admitted when its canonical form
// lives under one of the extra allowed roots.
func securePathAllowing(path, workspace string, restrict bool, allowedPrefixes []string) (string, error) {
	resolved, err := securePath(path, workspace, restrict)
	if err == nil {
		return resolved, nil
	}

	cleaned := filepath.Clean(path)
	absPath, _ := filepath.Abs(cleaned)
	real, evalErr := filepath.EvalSymlinks(absPath)
	if evalErr != nil {
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absPath))
		if parentErr != nil {
			return "", err
		}
		real = filepath.Join(parentReal, filepath.Base(absPath))
	}
	for _, prefix := range allowedPrefixes {
		absPrefix, _ := filepath.Abs(prefix)
		prefixReal, prefixErr := filepath.EvalSymlinks(absPrefix)
		if prefixErr != nil {
			prefixReal = absPrefix
		}
		if within(real, prefixReal) {
			slog.Debug("read_file: allowed by prefix", "path", real, "prefix", prefixReal)
			return real, nil
		}
	}
	slog.Warn("read_file: access denied", "path", cleaned, "workspace", workspace, "allowedPrefixes", allowedPrefixes)
	return "", err
}

// refuseDeniedPrefix rejects a resolved path under any denied
// workspace-relative prefix (".openclaw" refuses workspace/.openclaw/...).
func refuseDeniedPrefix(resolved, workspace string, deniedPrefixes []string) error {
	if len(deniedPrefixes) == 0 {
		return nil
	}
	absResolved, _ := filepath.Abs(resolved)
	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}
	for _, prefix := range deniedPrefixes {
		if within(absResolved, filepath.Join(wsReal, prefix)) {
			return fmt.Errorf("access denied: path %s is restricted", prefix)
		}
	}
	return nil
}

// securePath resolves path against the workspace. Under restriction it
// canonicalizes through symlinks and refuses everything that could step
// outside the workspace: escapes, broken-symlink targets, rebindable
// symlink components, hardlinked files.
func securePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}
	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace not created yet
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		real, err = resolveMissing(path, absResolved, wsReal, err)
		if err != nil {
			return "", err
		}
	}

	if !within(real, wsReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}

	// A symlink whose parent directory is writable can be swapped between
	// this resolution and the actual file operation.
	if hasRebindableSymlink(real) {
		slog.Warn("security.mutable_symlink_parent", "path", path, "resolved", real)
		return "", fmt.Errorf("access denied: path contains mutable symlink component")
	}

	if err := refuseHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// resolveMissing canonicalizes a path EvalSymlinks could not: a broken
// symlink gets its target chased and validated; a genuinely absent file
// resolves through its parent.
func resolveMissing(origPath, absResolved, wsReal string, evalErr error) (string, error) {
	if !os.IsNotExist(evalErr) {
		slog.Warn("security.path_resolve_failed", "path", origPath, "error", evalErr)
		return "", fmt.Errorf("access denied: cannot resolve path")
	}

	// Lstat succeeds on a dangling symlink where EvalSymlinks failed.
	if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
		target, readErr := os.Readlink(absResolved)
		if readErr != nil {
			return "", fmt.Errorf("access denied: cannot resolve symlink")
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(absResolved), target)
		}
		target = filepath.Clean(target)

		// Chase through existing ancestors so a chained link
		// (link1 → link2 → /outside) can't hide an escape.
		real, resolveErr := canonicalizeViaAncestors(target)
		if resolveErr != nil {
			slog.Warn("security.broken_symlink_resolve_failed", "path", origPath, "target", target)
			return "", fmt.Errorf("access denied: cannot resolve broken symlink target")
		}
		if !within(real, wsReal) {
			slog.Warn("security.broken_symlink_escape", "path", origPath, "target", real, "workspace", wsReal)
			return "", fmt.Errorf("access denied: broken symlink target outside workspace")
		}
		return real, nil
	}

	parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
	if parentErr != nil {
		return "", fmt.Errorf("access denied: cannot resolve path")
	}
	return filepath.Join(parentReal, filepath.Base(absResolved)), nil
}

// within reports whether child equals parent or sits beneath it.
func within(child, parent string) bool {
	return child == parent || strings.HasPrefix(child, parent+string(filepath.Separator))
}

// canonicalizeViaAncestors canonicalizes target by resolving its deepest
// existing ancestor and reattaching the missing tail components.
func canonicalizeViaAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break // hit the filesystem root
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// hasRebindableSymlink reports whether any component of path is a symlink
// sitting in a directory this process can write — replaceable between
// resolution and use.
func hasRebindableSymlink(path string) bool {
	components := strings.Split(filepath.Clean(path), string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if syscall.Access(filepath.Dir(current), 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// refuseHardlink rejects regular files with nlink > 1. Directories have
// nlink > 1 by nature and pass.
func refuseHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // absent files fail later at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
