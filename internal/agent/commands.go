package agent

import (
	"fmt"
	"strings"

	"github.com/openclaw/gateway/internal/sessions"
)

// Command is a parsed slash directive from an inbound message. Directives
// are interpreted by the Run Controller before the model is engaged;
// directive-only messages mutate the SessionEntry and never enter the
// transcript.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// ParseCommand recognizes a directive line. Returns (nil, false) for plain
// text.
func ParseCommand(body string) (*Command, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return nil, false
	}
	return &Command{
		Name: strings.ToLower(strings.TrimPrefix(fields[0], "/")),
		Args: fields[1:],
		Raw:  trimmed,
	}, true
}

var validThinkingLevels = map[string]sessions.ThinkingLevel{
	"off":     sessions.ThinkingOff,
	"minimal": sessions.ThinkingMinimal,
	"low":     sessions.ThinkingLow,
	"medium":  sessions.ThinkingMedium,
	"high":    sessions.ThinkingHigh,
	"xhigh":   sessions.ThinkingXHigh,
}

var validVerboseLevels = map[string]sessions.VerboseLevel{
	"off":  sessions.VerboseOff,
	"on":   sessions.VerboseOn,
	"full": sessions.VerboseFull,
}

// CommandOutcome is what executing a directive produced: a reply for the
// sender plus flags for the controller to act on (stop, reset, approval).
type CommandOutcome struct {
	Reply      string
	Handled    bool
	StopRun    bool // /stop: abort the session's active run
	ResetDone  bool // /new, /reset: history cleared
	ApprovalID string
	ApprovalOutcome string
}

const helpText = `Commands:
/think off|minimal|low|medium|high|xhigh — set reasoning effort
/reasoning <level> — alias of /think
/verbose off|on|full — set run narration
/model <provider/model> — override the session model (no arg clears)
/new, /reset — start a fresh conversation
/stop — abort the current run
/approve <id> allow-once|allow-always|deny — decide a pending exec approval
/help — this text`

// ExecuteCommand applies a directive against the session registry. The
// controller handles StopRun and approval outcomes itself since they touch
// run state the registry doesn't own.
func ExecuteCommand(reg *sessions.Registry, sessionKey string, cmd *Command) CommandOutcome {
	switch cmd.Name {
	case "think", "reasoning":
		if len(cmd.Args) == 0 {
			return CommandOutcome{Handled: true, Reply: "Usage: /" + cmd.Name + " off|minimal|low|medium|high|xhigh"}
		}
		level, ok := validThinkingLevels[strings.ToLower(cmd.Args[0])]
		if !ok {
			return CommandOutcome{Handled: true, Reply: fmt.Sprintf("Unknown thinking level %q", cmd.Args[0])}
		}
		reg.SetThinkingLevel(sessionKey, level)
		return CommandOutcome{Handled: true, Reply: "Thinking level set to " + string(level)}

	case "verbose":
		if len(cmd.Args) == 0 {
			return CommandOutcome{Handled: true, Reply: "Usage: /verbose off|on|full"}
		}
		level, ok := validVerboseLevels[strings.ToLower(cmd.Args[0])]
		if !ok {
			return CommandOutcome{Handled: true, Reply: fmt.Sprintf("Unknown verbose level %q", cmd.Args[0])}
		}
		reg.SetVerboseLevel(sessionKey, level)
		return CommandOutcome{Handled: true, Reply: "Verbose set to " + string(level)}

	case "model":
		ref := ""
		if len(cmd.Args) > 0 {
			ref = cmd.Args[0]
		}
		reg.SetModelOverride(sessionKey, ref)
		if ref == "" {
			return CommandOutcome{Handled: true, Reply: "Model override cleared"}
		}
		return CommandOutcome{Handled: true, Reply: "Model set to " + ref}

	case "new", "reset":
		return CommandOutcome{Handled: true, ResetDone: true, Reply: "Started a new conversation"}

	case "stop":
		return CommandOutcome{Handled: true, StopRun: true}

	case "approve":
		if len(cmd.Args) < 2 {
			return CommandOutcome{Handled: true, Reply: "Usage: /approve <id> allow-once|allow-always|deny"}
		}
		outcome := strings.ToLower(cmd.Args[1])
		switch outcome {
		case "allow-once", "allow-always", "deny":
		default:
			return CommandOutcome{Handled: true, Reply: fmt.Sprintf("Unknown approval outcome %q", cmd.Args[1])}
		}
		return CommandOutcome{Handled: true, ApprovalID: cmd.Args[0], ApprovalOutcome: outcome}

	case "help":
		return CommandOutcome{Handled: true, Reply: helpText}
	}

	return CommandOutcome{Handled: false, Reply: fmt.Sprintf("Unknown command /%s — try /help", cmd.Name)}
}
