package tools

import (
	"log/slog"
	"strings"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
)

// Named tool groups usable in policy specs as "group:<name>". Groups may
// list tools that aren't registered in a given build; expansion filters
// against what actually exists.
var toolGroups = map[string][]string{
	"fs":       {"read_file", "write_file", "list_files", "edit_file", "search", "glob"},
	"runtime":  {"exec", "process"},
	"sessions": {"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "subagents", "session_status"},
	"ui":       {"browser", "canvas"},
	"vision":   {"read_image", "create_image"},
	// Everything native to the gateway, excluding provider plugins.
	"openclaw": {
		"browser", "canvas", "exec", "process",
		"read_file", "write_file", "list_files", "edit_file",
		"sessions_list", "sessions_history", "sessions_send",
		"sessions_spawn", "subagents", "session_status",
		"read_image", "create_image",
	},
}

// RegisterToolGroup adds or replaces a group at runtime; the MCP executor
// uses this to publish "mcp" and "mcp:<server>" groups.
func RegisterToolGroup(name string, members []string) {
	toolGroups[name] = members
}

// UnregisterToolGroup removes a runtime-registered group.
func UnregisterToolGroup(name string) {
	delete(toolGroups, name)
}

// Preset allow sets selectable as a profile. An empty spec means no
// restriction.
var toolProfiles = map[string][]string{
	"minimal":   {"session_status"},
	"coding":    {"group:fs", "group:runtime", "group:sessions", "group:vision"},
	"messaging": {"sessions_list", "sessions_history", "sessions_send", "session_status"},
	"full":      {},
}

// Alternate spellings accepted in specs.
var toolAliases = map[string]string{
	"bash":        "exec",
	"apply-patch": "apply_patch",
}

// Tools withheld from subagents. A subagent never shells out itself; the
// parent agent can.
var subagentDenyList = []string{
	"exec", "session_status", "sessions_send",
}

// Additional restrictions at maximum spawn depth.
var leafSubagentDenyList = []string{
	"sessions_list", "sessions_history", "sessions_spawn",
}

// PolicyEngine decides which tools a given agent/provider combination may
// see, layering global, per-provider, per-agent, and group specs.
type PolicyEngine struct {
	global *config.ToolsConfig
}

// NewPolicyEngine wraps the global tools config.
func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{global: cfg}
}

// FilterTools runs the allow/deny pipeline and returns provider
// definitions for the surviving tools.
func (pe *PolicyEngine) FilterTools(
	registry *Registry,
	agentID string,
	providerName string,
	agentPolicy *config.ToolPolicySpec,
	groupAllow []string,
	isSubagent bool,
	isLeafAgent bool,
) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.evaluate(allTools, providerName, agentPolicy, groupAllow)

	if isSubagent {
		allowed = subtract(allowed, exactSet(subagentDenyList))
	}
	if isLeafAgent {
		allowed = subtract(allowed, exactSet(leafSubagentDenyList))
	}

	var defs []providers.ToolDefinition
	for _, name := range allowed {
		if tool, ok := registry.Get(resolveAlias(name)); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("tool policy applied",
		"agent", agentID,
		"provider", providerName,
		"total_tools", len(allTools),
		"allowed", len(defs),
		"is_subagent", isSubagent)

	return defs
}

// evaluate layers the specs. Profiles and allows narrow; denies always
// subtract; alsoAllow adds back at the end.
func (pe *PolicyEngine) evaluate(
	allTools []string,
	providerName string,
	agentPolicy *config.ToolPolicySpec,
	groupAllow []string,
) []string {
	g := pe.global

	allowed := pe.applyProfile(allTools, g.Profile)

	providerSpec := func(byProvider map[string]*config.ToolPolicySpec) *config.ToolPolicySpec {
		if byProvider == nil {
			return nil
		}
		return byProvider[providerName]
	}

	if pp := providerSpec(g.ByProvider); pp != nil && pp.Profile != "" {
		allowed = pe.applyProfile(allTools, pp.Profile)
	}
	if len(g.Allow) > 0 {
		allowed = keep(allowed, specSet(g.Allow))
	}
	if pp := providerSpec(g.ByProvider); pp != nil && len(pp.Allow) > 0 {
		allowed = keep(allowed, specSet(pp.Allow))
	}
	if agentPolicy != nil {
		if len(agentPolicy.Allow) > 0 {
			allowed = keep(allowed, specSet(agentPolicy.Allow))
		}
		if pp := providerSpec(agentPolicy.ByProvider); pp != nil && len(pp.Allow) > 0 {
			allowed = keep(allowed, specSet(pp.Allow))
		}
	}
	if len(groupAllow) > 0 {
		allowed = keep(allowed, specSet(groupAllow))
	}

	if len(g.Deny) > 0 {
		allowed = subtract(allowed, specSet(g.Deny))
	}
	if agentPolicy != nil && len(agentPolicy.Deny) > 0 {
		allowed = subtract(allowed, specSet(agentPolicy.Deny))
	}

	if len(g.AlsoAllow) > 0 {
		allowed = addBack(allowed, allTools, g.AlsoAllow)
	}
	if agentPolicy != nil && len(agentPolicy.AlsoAllow) > 0 {
		allowed = addBack(allowed, allTools, agentPolicy.AlsoAllow)
	}

	return allowed
}

// applyProfile resolves a named profile. "full", empty, and unknown all
// mean unrestricted (unknown with a warning).
func (pe *PolicyEngine) applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return append([]string(nil), allTools...)
	}
	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, using full", "profile", profile)
		return append([]string(nil), allTools...)
	}
	if len(spec) == 0 {
		return append([]string(nil), allTools...)
	}
	return keep(allTools, specSet(spec))
}

// specSet expands a spec list — tool names plus "group:<name>" entries —
// into a membership set.
func specSet(spec []string) map[string]bool {
	set := make(map[string]bool)
	for _, s := range spec {
		if name, ok := strings.CutPrefix(s, "group:"); ok {
			for _, m := range toolGroups[name] {
				set[m] = true
			}
			continue
		}
		set[s] = true
	}
	return set
}

func exactSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func keep(current []string, set map[string]bool) []string {
	var out []string
	for _, t := range current {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

func subtract(current []string, set map[string]bool) []string {
	var out []string
	for _, t := range current {
		if !set[t] {
			out = append(out, t)
		}
	}
	return out
}

// addBack re-admits tools matching spec from the full registry without
// dropping anything already allowed.
func addBack(current []string, allTools []string, spec []string) []string {
	existing := exactSet(current)
	set := specSet(spec)
	for _, t := range allTools {
		if set[t] && !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}
