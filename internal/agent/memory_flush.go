package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
)

// MemoryFlushSettings is the resolved pre-compaction flush behaviour: one
// extra turn inviting the agent to write durable notes to its workspace
// before old history is summarized away.
type MemoryFlushSettings struct {
	Enabled             bool
	SoftThresholdTokens int
	Prompt              string
	SystemPrompt        string
}

const defaultMemoryFlushPrompt = "Context is about to be compacted. Write anything worth keeping " +
	"(decisions, user facts, open threads) to your workspace files now. Reply NO_REPLY when done."

// ResolveMemoryFlushSettings applies defaults over the config's flush block.
func ResolveMemoryFlushSettings(cfg *config.CompactionConfig) MemoryFlushSettings {
	out := MemoryFlushSettings{
		Enabled:             true,
		SoftThresholdTokens: 4000,
		Prompt:              defaultMemoryFlushPrompt,
	}
	if cfg == nil || cfg.MemoryFlush == nil {
		return out
	}
	mf := cfg.MemoryFlush
	if mf.Enabled != nil {
		out.Enabled = *mf.Enabled
	}
	if mf.SoftThresholdTokens > 0 {
		out.SoftThresholdTokens = mf.SoftThresholdTokens
	}
	if mf.Prompt != "" {
		out.Prompt = mf.Prompt
	}
	if mf.SystemPrompt != "" {
		out.SystemPrompt = mf.SystemPrompt
	}
	return out
}

// shouldRunMemoryFlush decides whether a flush turn is owed: enabled, close
// enough to the compaction threshold, and not already flushed for this
// compaction cycle.
func (e *Engine) shouldRunMemoryFlush(sessionKey string, tokenEstimate int, settings MemoryFlushSettings) bool {
	if !settings.Enabled {
		return false
	}
	if e.sessions.GetMemoryFlushCompactionCount(sessionKey) >= e.sessions.GetCompactionCount(sessionKey)+1 {
		return false
	}

	historyShare := 0.75
	if e.compaction != nil && e.compaction.MaxHistoryShare > 0 {
		historyShare = e.compaction.MaxHistoryShare
	}
	threshold := int(float64(e.contextWindow) * historyShare)
	return tokenEstimate >= threshold-settings.SoftThresholdTokens
}

// runMemoryFlush executes the flush turn synchronously. Its output is
// discarded: the side effect is whatever the agent wrote to its workspace
// via tools.
func (e *Engine) runMemoryFlush(ctx context.Context, sessionKey string, settings MemoryFlushSettings) {
	fctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	messages := []providers.Message{}
	if settings.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: settings.SystemPrompt})
	}
	messages = append(messages, e.sessions.GetHistory(sessionKey)...)
	messages = append(messages, providers.Message{Role: "user", Content: settings.Prompt})

	_, err := e.provider.Chat(fctx, providers.ChatRequest{
		Messages: messages,
		Tools:    e.tools.ProviderDefs(),
		Model:    e.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   2048,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		slog.Warn("memory flush turn failed", "session", sessionKey, "error", err)
		return
	}

	e.sessions.SetMemoryFlushDone(sessionKey)
	slog.Info("memory flush completed", "session", sessionKey)
}
