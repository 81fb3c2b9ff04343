package agent

import (
	"testing"

	"github.com/openclaw/gateway/internal/sessions"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantArgs int
		ok       bool
	}{
		{"/think high", "think", 1, true},
		{"/THINK high", "think", 1, true},
		{"/stop", "stop", 0, true},
		{"plain message", "", 0, false},
		{"  /help  ", "help", 0, true},
		{"not /a command", "", 0, false},
	}
	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.in)
		if ok != tt.ok {
			t.Fatalf("ParseCommand(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if cmd.Name != tt.wantName || len(cmd.Args) != tt.wantArgs {
			t.Fatalf("ParseCommand(%q) = %+v", tt.in, cmd)
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	reg := sessions.NewRegistry("", nil)
	key := "agent:main:main"
	reg.GetOrCreate(key, "main")

	t.Run("think", func(t *testing.T) {
		cmd, _ := ParseCommand("/think medium")
		out := ExecuteCommand(reg, key, cmd)
		if !out.Handled || reg.Get(key).ThinkingLevel != sessions.ThinkingMedium {
			t.Fatalf("think not applied: %+v", out)
		}
	})

	t.Run("reasoning alias", func(t *testing.T) {
		cmd, _ := ParseCommand("/reasoning xhigh")
		ExecuteCommand(reg, key, cmd)
		if reg.Get(key).ThinkingLevel != sessions.ThinkingXHigh {
			t.Fatalf("reasoning alias not applied")
		}
	})

	t.Run("bad level", func(t *testing.T) {
		cmd, _ := ParseCommand("/think enormous")
		out := ExecuteCommand(reg, key, cmd)
		if !out.Handled || out.Reply == "" {
			t.Fatalf("bad level should reply with an error: %+v", out)
		}
		if reg.Get(key).ThinkingLevel == "enormous" {
			t.Fatalf("invalid level applied")
		}
	})

	t.Run("verbose", func(t *testing.T) {
		cmd, _ := ParseCommand("/verbose full")
		ExecuteCommand(reg, key, cmd)
		if reg.Get(key).VerboseLevel != sessions.VerboseFull {
			t.Fatalf("verbose not applied")
		}
	})

	t.Run("model set and clear", func(t *testing.T) {
		cmd, _ := ParseCommand("/model openrouter/some-model")
		ExecuteCommand(reg, key, cmd)
		if reg.Get(key).ModelOverride != "openrouter/some-model" {
			t.Fatalf("model override not applied")
		}
		clear, _ := ParseCommand("/model")
		ExecuteCommand(reg, key, clear)
		if reg.Get(key).ModelOverride != "" {
			t.Fatalf("model override not cleared")
		}
	})

	t.Run("stop", func(t *testing.T) {
		cmd, _ := ParseCommand("/stop")
		out := ExecuteCommand(reg, key, cmd)
		if !out.StopRun {
			t.Fatalf("stop not flagged: %+v", out)
		}
	})

	t.Run("new resets", func(t *testing.T) {
		cmd, _ := ParseCommand("/new")
		out := ExecuteCommand(reg, key, cmd)
		if !out.ResetDone {
			t.Fatalf("new not flagged: %+v", out)
		}
	})

	t.Run("approve", func(t *testing.T) {
		cmd, _ := ParseCommand("/approve abc123 allow-once")
		out := ExecuteCommand(reg, key, cmd)
		if out.ApprovalID != "abc123" || out.ApprovalOutcome != "allow-once" {
			t.Fatalf("approve parsed wrong: %+v", out)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		cmd, _ := ParseCommand("/frobnicate")
		out := ExecuteCommand(reg, key, cmd)
		if out.Handled || out.Reply == "" {
			t.Fatalf("unknown command should suggest /help: %+v", out)
		}
	})
}
