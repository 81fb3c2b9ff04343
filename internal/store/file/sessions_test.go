package file

import (
	"testing"

	"github.com/openclaw/gateway/internal/providers"
)

func TestAddMessagePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := NewFileSessionStore(dir)
	key := "agent:main:telegram:dm:42"
	s.AddMessage(key, providers.Message{Role: "user", Content: "first"})
	s.AddMessage(key, providers.Message{Role: "assistant", Content: "reply"})
	if err := s.Save(key); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewFileSessionStore(dir)
	history := fresh.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
	if history[0].Content != "first" || history[1].Role != "assistant" {
		t.Fatalf("history content wrong: %+v", history)
	}
}

func TestToolCallsRoundTrip(t *testing.T) {
	s := NewFileSessionStore(t.TempDir())
	key := "agent:main:main"

	s.AddMessage(key, providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "tc-1", Name: "exec", Arguments: map[string]interface{}{"command": "ls"}},
		},
	})
	s.AddMessage(key, providers.Message{Role: "tool", Content: "README.md", ToolCallID: "tc-1"})
	if err := s.Save(key); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Force a reload from disk.
	s.Reset(key)
	fresh := NewFileSessionStore(s.baseDir)
	history := fresh.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("history = %d, want 2", len(history))
	}
	if len(history[0].ToolCalls) != 1 || history[0].ToolCalls[0].Name != "exec" {
		t.Fatalf("tool call lost: %+v", history[0])
	}
	if history[1].ToolCallID != "tc-1" {
		t.Fatalf("tool result id lost: %+v", history[1])
	}
}

func TestTruncateHistory(t *testing.T) {
	s := NewFileSessionStore(t.TempDir())
	key := "agent:main:main"
	for i := 0; i < 6; i++ {
		s.AddMessage(key, providers.Message{Role: "user", Content: "m"})
	}
	s.TruncateHistory(key, 2)
	if got := len(s.GetHistory(key)); got != 2 {
		t.Fatalf("truncated history = %d, want 2", got)
	}
}

func TestListAndDelete(t *testing.T) {
	s := NewFileSessionStore(t.TempDir())
	s.AddMessage("agent:main:main", providers.Message{Role: "user", Content: "x"})
	s.AddMessage("agent:other:main", providers.Message{Role: "user", Content: "y"})

	if got := len(s.List("main")); got != 1 {
		t.Fatalf("List(main) = %d, want 1", got)
	}
	if got := len(s.List("")); got != 2 {
		t.Fatalf("List(all) = %d, want 2", got)
	}

	if err := s.Delete("agent:main:main"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(s.List("main")); got != 0 {
		t.Fatalf("deleted session still listed")
	}
}
