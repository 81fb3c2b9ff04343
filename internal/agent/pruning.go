package agent

import (
	"log/slog"
	"unicode/utf8"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/providers"
)

// EstimateTokensWithCalibration estimates the prompt size for messages.
// When a previous run recorded its actual prompt tokens (lastPromptTokens at
// lastMessageCount messages), the estimate extrapolates from that anchor
// instead of the chars/3 heuristic, which under-counts CJK-heavy content.
func EstimateTokensWithCalibration(messages []providers.Message, lastPromptTokens, lastMessageCount int) int {
	if lastPromptTokens > 0 && lastMessageCount > 0 && len(messages) >= lastMessageCount {
		extra := 0
		for _, m := range messages[lastMessageCount:] {
			extra += utf8.RuneCountInString(m.Content) / 3
		}
		return lastPromptTokens + extra
	}
	return EstimateTokens(messages)
}

const defaultPrunePlaceholder = "[Old tool result content cleared]"

// pruneContextMessages trims old tool results in the in-memory message list
// once the estimated prompt size crosses the configured share of the context
// window. Soft trim keeps head+tail of long results; hard clear replaces
// them outright. The newest assistant turns (and their tool results) are
// always protected.
func pruneContextMessages(msgs []providers.Message, contextWindow int, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || cfg.Mode == "" || cfg.Mode == "off" || len(msgs) == 0 || contextWindow <= 0 {
		return msgs
	}

	softRatio := cfg.SoftTrimRatio
	if softRatio <= 0 {
		softRatio = 0.3
	}
	hardRatio := cfg.HardClearRatio
	if hardRatio <= 0 {
		hardRatio = 0.5
	}
	keepLastAssistants := cfg.KeepLastAssistants
	if keepLastAssistants <= 0 {
		keepLastAssistants = 3
	}
	minPrunable := cfg.MinPrunableToolChars
	if minPrunable <= 0 {
		minPrunable = 50_000
	}

	estimate := EstimateTokens(msgs)
	if float64(estimate) < float64(contextWindow)*softRatio {
		return msgs
	}

	// Find the cutoff index protecting the last N assistant turns.
	protectedFrom := 0
	assistants := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			assistants++
			if assistants >= keepLastAssistants {
				protectedFrom = i
				break
			}
		}
	}

	// Count prunable tool-result mass before acting.
	prunableChars := 0
	for i := 0; i < protectedFrom; i++ {
		if msgs[i].Role == "tool" {
			prunableChars += len(msgs[i].Content)
		}
	}
	if prunableChars < minPrunable {
		return msgs
	}

	hard := float64(estimate) >= float64(contextWindow)*hardRatio

	maxChars, headChars, tailChars := 4000, 1500, 1500
	if cfg.SoftTrim != nil {
		if cfg.SoftTrim.MaxChars > 0 {
			maxChars = cfg.SoftTrim.MaxChars
		}
		if cfg.SoftTrim.HeadChars > 0 {
			headChars = cfg.SoftTrim.HeadChars
		}
		if cfg.SoftTrim.TailChars > 0 {
			tailChars = cfg.SoftTrim.TailChars
		}
	}
	placeholder := defaultPrunePlaceholder
	hardEnabled := true
	if cfg.HardClear != nil {
		if cfg.HardClear.Placeholder != "" {
			placeholder = cfg.HardClear.Placeholder
		}
		if cfg.HardClear.Enabled != nil {
			hardEnabled = *cfg.HardClear.Enabled
		}
	}

	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	pruned := 0
	for i := 0; i < protectedFrom; i++ {
		if out[i].Role != "tool" {
			continue
		}
		content := out[i].Content
		switch {
		case hard && hardEnabled:
			if len(content) > len(placeholder) {
				out[i].Content = placeholder
				pruned++
			}
		case len(content) > maxChars:
			out[i].Content = content[:headChars] + "\n[...trimmed...]\n" + content[len(content)-tailChars:]
			pruned++
		}
	}

	if pruned > 0 {
		slog.Debug("context pruning applied", "messages", pruned, "hard", hard && hardEnabled, "estimate", estimate, "window", contextWindow)
	}
	return out
}
