package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/gateway/internal/store"
)

// SessionsListTool lets the agent enumerate its own sessions.
type SessionsListTool struct {
	sessions store.SessionStore
}

func NewSessionsListTool() *SessionsListTool { return &SessionsListTool{} }

func (t *SessionsListTool) SetSessionStore(s store.SessionStore) { t.sessions = s }

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions for this agent with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	limit := intArg(args, "limit", 20)
	activeMinutes := intArg(args, "active_minutes", 0)

	sessions := t.sessions.List(resolveAgentIDString(ctx))

	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		kept := sessions[:0]
		for _, s := range sessions {
			if s.Updated.After(cutoff) {
				kept = append(kept, s)
			}
		}
		sessions = kept
	}
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	type row struct {
		Key          string `json:"key"`
		MessageCount int    `json:"message_count"`
		Updated      string `json:"updated"`
	}
	rows := make([]row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, row{
			Key:          s.Key,
			MessageCount: s.MessageCount,
			Updated:      s.Updated.Format(time.RFC3339),
		})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(rows),
		"sessions": rows,
	})
	return SilentResult(string(out))
}

// intArg reads a numeric tool argument, falling back when absent or
// non-positive.
func intArg(args map[string]interface{}, key string, fallback int) int {
	if v, ok := args[key].(float64); ok && int(v) > 0 {
		return int(v)
	}
	return fallback
}

// SessionStatusTool reports one session's vitals: model, tokens,
// compactions, channel, freshness.
type SessionStatusTool struct {
	sessions store.SessionStore
}

func NewSessionStatusTool() *SessionStatusTool { return &SessionStatusTool{} }

func (t *SessionStatusTool) SetSessionStore(s store.SessionStore) { t.sessions = s }

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Show session status: model, tokens, compaction count, channel, last update."
}

func (t *SessionStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to inspect (default: current session)",
			},
		},
	}
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		// The registry keys sandboxes by session, so this doubles as the
		// current-session lookup.
		sessionKey = ToolSandboxKeyFromCtx(ctx)
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required (could not detect current session)")
	}

	// An agent only gets to inspect its own sessions.
	if agentID := resolveAgentIDString(ctx); agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return ErrorResult("access denied: session belongs to a different agent")
	}

	data := t.sessions.GetOrCreate(sessionKey)

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", data.Key)
	if data.Model != "" {
		fmt.Fprintf(&b, "Model: %s\n", data.Model)
	}
	if data.Provider != "" {
		fmt.Fprintf(&b, "Provider: %s\n", data.Provider)
	}
	if data.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", data.Channel)
	}
	fmt.Fprintf(&b, "Messages: %d\n", len(data.Messages))
	fmt.Fprintf(&b, "Tokens: %d input / %d output\n", data.InputTokens, data.OutputTokens)
	fmt.Fprintf(&b, "Compactions: %d\n", data.CompactionCount)
	if data.Summary != "" {
		fmt.Fprintf(&b, "Has summary: yes (%d chars)\n", len(data.Summary))
	}
	if data.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", data.Label)
	}
	fmt.Fprintf(&b, "Updated: %s", data.Updated.Format(time.RFC3339))

	return SilentResult(b.String())
}
