// Assistant output cleanup. Models drift in predictable ways — tool-call
// XML leaking into text, echoed system blocks, thinking tags, duplicated
// paragraphs — and everything here exists because some model shipped one
// of those at least once.
package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans assistant text before it is stored or
// delivered. Passes run in a fixed order; each is a no-op when its marker
// isn't present.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = dropLeakedToolXML(content)
	if content == "" {
		return ""
	}
	content = dropToolCallTranscripts(content)
	content = dropThinkingTags(content)
	content = unwrapFinalTags(content)
	content = dropEchoedSystemBlocks(content)
	content = dedupeAdjacentBlocks(content)
	content = dropMediaMarkers(content)
	content = trimLeadingBlankLines(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Some models (DeepSeek, GLM, Minimax) emit tool calls as literal XML in
// the text channel instead of structured calls. A response carrying those
// markers is garbage end to end, so it is dropped rather than patched.
var leakedToolXML = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter|minimax:tool_call)[^>]*>`,
)

var leakedToolXMLMarkers = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

func dropLeakedToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, m := range leakedToolXMLMarkers {
		if strings.Contains(lower, m) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	remain := strings.TrimSpace(leakedToolXML.ReplaceAllString(content, ""))
	if remain != "" {
		slog.Warn("dropped response with leaked tool-call XML",
			"original_len", len(content), "remaining_len", len(remain))
		return ""
	}
	slog.Warn("response was entirely leaked tool XML", "original_len", len(content))
	return remain
}

// dropToolCallTranscripts removes "[Tool Call: ...]" / "[Tool Result ...]" /
// "[Historical context: ...]" blocks some models narrate as text. Line
// scan, since Go's regexp has no lookahead.
func dropToolCallTranscripts(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "[Tool Call:") ||
			strings.HasPrefix(t, "[Tool Result") ||
			strings.HasPrefix(t, "[Historical context:") {
			inBlock = true
			continue
		}
		if inBlock {
			// Argument JSON and tool output lines continue the block.
			if t == "" || strings.HasPrefix(t, "Arguments:") ||
				strings.HasPrefix(t, "{") || strings.HasPrefix(t, "}") {
				continue
			}
			inBlock = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// One pattern per tag pair; Go's regexp has no backreferences.
var thinkingTags = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antThinking>.*?</antThinking>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func dropThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTags {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// unwrapFinalTags strips <final> markers, keeping what they wrap.
var finalTag = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func unwrapFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTag.ReplaceAllString(content, "")
}

// dropEchoedSystemBlocks removes "[System Message] ..." paragraphs a model
// echoed back from its own context.
func dropEchoedSystemBlocks(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.TrimSpace(line) == "" {
				inBlock = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("dropped echoed system message block",
			"original_len", len(content), "cleaned_len", len(cleaned))
	}
	return cleaned
}

// dedupeAdjacentBlocks collapses a paragraph repeated back to back.
func dedupeAdjacentBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		t := strings.TrimSpace(block)
		if t == "" {
			continue
		}
		if len(kept) > 0 && t == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}

	out := strings.Join(kept, "\n\n")
	if out != content {
		slog.Debug("collapsed duplicate blocks", "original_blocks", len(blocks), "result_blocks", len(kept))
	}
	return out
}

// dropMediaMarkers removes MEDIA:<path> lines; the files themselves are
// delivered out of band.
func dropMediaMarkers(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "MEDIA:") || strings.HasPrefix(t, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func trimLeadingBlankLines(content string) string {
	return leadingBlankLines.ReplaceAllString(content, "")
}

// IsSilentReply reports whether text is a NO_REPLY token — the agent's way
// of deciding a message needs no response. The token counts when it stands
// alone or bounds the text with a non-word character beside it.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
