package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/bootstrap"
	"github.com/openclaw/gateway/internal/providers"
)

// bootstrapRetireTurns is how many user turns the one-time BOOTSTRAP.md
// ritual survives before the engine removes it itself. The model is asked
// to clear it, but not trusted to.
const bootstrapRetireTurns = 3

// composeMessages builds the full conversation for a model request: system
// prompt, optional compaction summary, repaired history, and the new user
// message. The second return reports whether BOOTSTRAP.md was among the
// injected context files, which drives its retirement after the turn.
func (e *Engine) composeMessages(history []providers.Message, summary string, req RunRequest) ([]providers.Message, bool) {
	mode := PromptFull
	if bootstrap.IsSubagentSession(req.SessionKey) || bootstrap.IsCronSession(req.SessionKey) {
		mode = PromptMinimal
	}

	_, hasSpawn := e.tools.Get("spawn")
	_, hasSkillSearch := e.tools.Get("skill_search")

	// The prompt shows the workspace the user's tools actually run in.
	promptWorkspace := e.workspace
	if req.UserID != "" && e.workspace != "" {
		promptWorkspace = filepath.Join(e.workspace, safeSegment(req.UserID))
	}

	contextFiles := e.activeContextFiles()
	hadBootstrap := false
	for _, cf := range contextFiles {
		if cf.Path == bootstrap.BootstrapFile {
			hadBootstrap = true
			break
		}
	}

	system := BuildSystemPrompt(SystemPromptConfig{
		AgentID:                e.key,
		Model:                  e.model,
		Workspace:              promptWorkspace,
		Channel:                req.Channel,
		OwnerIDs:               e.ownerIDs,
		Mode:                   mode,
		ToolNames:              e.tools.List(),
		SkillsSummary:          e.skillsPromptBlock(),
		HasMemory:              e.hasMemory,
		HasSpawn:               e.tools != nil && hasSpawn,
		HasSkillSearch:         hasSkillSearch,
		ContextFiles:           contextFiles,
		ExtraPrompt:            req.ExtraSystemPrompt,
		SandboxEnabled:         e.sandboxEnabled,
		SandboxContainerDir:    e.sandboxDir,
		SandboxWorkspaceAccess: e.sandboxAccess,
	})

	messages := []providers.Message{{Role: "system", Content: system}}

	if summary != "" {
		messages = append(messages,
			providers.Message{Role: "user", Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary)},
			providers.Message{Role: "assistant", Content: "I understand the context from our previous conversation. How can I help you?"},
		)
	}

	kept := clampTurns(history, req.HistoryLimit)
	pruned := pruneContextMessages(kept, e.contextWindow, e.pruning)
	messages = append(messages, repairToolPairing(pruned)...)

	messages = append(messages, providers.Message{Role: "user", Content: req.Message})
	return messages, hadBootstrap
}

// activeContextFiles returns the workspace context files that still exist
// on disk. Seeding happens once at agent resolution; the re-check here is
// what lets BOOTSTRAP.md drop out of the prompt once retired.
func (e *Engine) activeContextFiles() []bootstrap.ContextFile {
	if e.workspace == "" || len(e.contextFiles) == 0 {
		return e.contextFiles
	}
	out := e.contextFiles[:0:0]
	for _, cf := range e.contextFiles {
		if cf.Path == bootstrap.BootstrapFile {
			if _, err := os.Stat(filepath.Join(e.workspace, cf.Path)); err != nil {
				continue
			}
		}
		out = append(out, cf)
	}
	return out
}

// maybeClearBootstrap retires BOOTSTRAP.md once the conversation has had
// enough user turns for the first-run ritual to be over.
func (e *Engine) maybeClearBootstrap(history []providers.Message) {
	if e.workspace == "" {
		return
	}
	turns := 1 // the turn that just ran
	for _, m := range history {
		if m.Role == "user" {
			turns++
		}
	}
	if turns < bootstrapRetireTurns {
		return
	}
	path := filepath.Join(e.workspace, bootstrap.BootstrapFile)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("bootstrap retirement failed", "agent", e.key, "path", path, "error", err)
		}
		return
	}
	slog.Info("bootstrap retired", "agent", e.key, "turns", turns)
}

// Inline-vs-search thresholds for the skills prompt block. Past either
// limit the prompt only advertises skill_search.
const (
	skillInlineMaxCount  = 20
	skillInlineMaxTokens = 3500
)

// skillsPromptBlock renders the skills section of the system prompt. It is
// resolved per message so hot-reloaded skills appear without a restart.
func (e *Engine) skillsPromptBlock() string {
	if e.skillsLoader == nil {
		return ""
	}
	filtered := e.skillsLoader.FilterSkills(e.skillAllow)
	if len(filtered) == 0 {
		return ""
	}

	chars := 0
	for _, s := range filtered {
		chars += len(s.Name) + len(s.Description) + 10 // tag overhead
	}
	if len(filtered) <= skillInlineMaxCount && chars/4 <= skillInlineMaxTokens {
		return e.skillsLoader.BuildSummary(e.skillAllow)
	}
	// Too many to inline; the agent reaches for skill_search instead.
	return ""
}

// clampTurns keeps only the last limit user turns. A turn is one user
// message plus everything up to the next user message.
func clampTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}
	seen := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		seen++
		if seen > limit {
			return msgs[cut:]
		}
		cut = i
	}
	return msgs
}

// repairToolPairing fixes tool_use/tool_result mismatches that truncation
// and compaction leave behind: orphaned tool messages are dropped, and a
// missing result for a recorded call is synthesized so providers that
// validate pairing accept the history.
func repairToolPairing(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var out []providers.Message
	for i := start; i < len(msgs); i++ {
		m := msgs[i]
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			expected := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				expected[tc.ID] = true
			}
			out = append(out, m)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				tm := msgs[i]
				if expected[tm.ToolCallID] {
					out = append(out, tm)
					delete(expected, tm.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", tm.ToolCallID)
				}
			}
			for id := range expected {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		case m.Role == "tool":
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", m.ToolCallID)
		default:
			out = append(out, m)
		}
	}
	return out
}

// maybeCompact summarizes old history into the session summary once the
// conversation outgrows its share of the context window. The summarize
// call runs in the background under a per-session lock; a memory-flush
// turn, when owed, runs first and synchronously.
func (e *Engine) maybeCompact(ctx context.Context, sessionKey string) {
	history := e.sessions.GetHistory(sessionKey)

	lastPT, lastMC := e.sessions.GetLastPromptTokens(sessionKey)
	estimate := EstimateTokensWithCalibration(history, lastPT, lastMC)

	share := 0.75
	if e.compaction != nil && e.compaction.MaxHistoryShare > 0 {
		share = e.compaction.MaxHistoryShare
	}
	minMessages := 50
	if e.compaction != nil && e.compaction.MinMessages > 0 {
		minMessages = e.compaction.MinMessages
	}
	if len(history) <= minMessages && estimate <= int(float64(e.contextWindow)*share) {
		return
	}

	// TryLock: if another run is already compacting this session the next
	// run re-triggers if still needed.
	muI, _ := e.compactMu.LoadOrStore(sessionKey, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Debug("compaction already in progress", "session", sessionKey)
		return
	}

	flush := ResolveMemoryFlushSettings(e.compaction)
	if e.shouldRunMemoryFlush(sessionKey, estimate, flush) {
		e.runMemoryFlush(ctx, sessionKey, flush)
	}

	keep := 4
	if e.compaction != nil && e.compaction.KeepLastMessages > 0 {
		keep = e.compaction.KeepLastMessages
	}

	go func() {
		defer mu.Unlock()

		// A concurrent compaction may have finished between the threshold
		// check and the lock.
		history := e.sessions.GetHistory(sessionKey)
		if len(history) <= keep {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		prior := e.sessions.GetSummary(sessionKey)
		var sb string
		for _, m := range history[:len(history)-keep] {
			switch m.Role {
			case "user":
				sb += fmt.Sprintf("user: %s\n", m.Content)
			case "assistant":
				sb += fmt.Sprintf("assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if prior != "" {
			prompt += "Existing context: " + prior + "\n"
		}
		prompt += "\n" + sb

		resp, err := e.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    e.model,
			Options:  map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
		})
		if err != nil {
			slog.Warn("compaction summarize failed", "session", sessionKey, "error", err)
			return
		}

		e.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		e.sessions.TruncateHistory(sessionKey, keep)
		e.sessions.IncrementCompaction(sessionKey)
		e.sessions.Save(sessionKey)
	}()
}
