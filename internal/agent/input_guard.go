package agent

import (
	"regexp"
	"strings"
)

// InputGuard scans inbound message bodies for known prompt-injection markers
// before they reach the model. The action taken on a match (log, warn,
// block) is the Engine's guard action; the guard only reports what it saw.
type InputGuard struct {
	patterns map[string]*regexp.Regexp
}

// NewInputGuard builds the default pattern set.
func NewInputGuard() *InputGuard {
	return &InputGuard{
		patterns: map[string]*regexp.Regexp{
			"ignore_previous":   regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
			"disregard_system":  regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system\s+prompt|your\s+instructions)`),
			"new_instructions":  regexp.MustCompile(`(?i)your\s+new\s+(instructions|rules|persona)\s+(are|is)`),
			"role_hijack":       regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`),
			"system_tag":        regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
			"prompt_exfil":      regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(your|the)\s+(system\s+prompt|instructions)`),
			"do_anything_now":   regexp.MustCompile(`(?i)\bDAN\s+mode\b|do\s+anything\s+now`),
			"tool_result_spoof": regexp.MustCompile(`(?i)\[?tool[_\s]result\]?\s*:`),
		},
	}
}

// Scan returns the names of all matched patterns, empty when clean.
func (g *InputGuard) Scan(body string) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	var matches []string
	for name, re := range g.patterns {
		if re.MatchString(body) {
			matches = append(matches, name)
		}
	}
	return matches
}
