package sessions

import "testing"

func TestBuildSessionKey(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dm", BuildSessionKey("main", "Telegram", PeerDM, "4242002"), "agent:main:telegram:dm:4242002"},
		{"group", BuildSessionKey("main", "discord", PeerGroup, "g1"), "agent:main:discord:group:g1"},
		{"channel", BuildSessionKey("ops", "slack", PeerChannel, "C99"), "agent:ops:slack:channel:C99"},
		{"topic", BuildTopicSessionKey("main", "Telegram", "chat9", "42"), "agent:main:telegram:topic:chat9:42"},
		{"main", BuildMainSessionKey("main"), "agent:main:main"},
		{"subagent", BuildSubagentSessionKey("main", "u-1"), "agent:main:subagent:u-1"},
		{"thread", BuildThreadSessionKey("main", "t-1"), "agent:main:thread:t-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildCronSessionKeyGuardsDoublePrefix(t *testing.T) {
	key := BuildCronSessionKey("main", "job-1")
	if key != "agent:main:cron:job-1" {
		t.Fatalf("got %q", key)
	}

	// Re-resolving an existing cron key must not nest prefixes.
	again := BuildCronSessionKey("main", key)
	if again != key {
		t.Fatalf("double-prefixed: %q", again)
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:main:telegram:dm:42")
	if agentID != "main" || rest != "telegram:dm:42" {
		t.Fatalf("got (%q, %q)", agentID, rest)
	}

	if a, r := ParseSessionKey("bogus"); a != "" || r != "" {
		t.Fatalf("non-agent key should not parse: (%q, %q)", a, r)
	}
}

func TestBuildScopedSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		dmScope string
		kind    PeerKind
		want    string
	}{
		{"global", "global", "", PeerDM, "global"},
		{"dm main collapse", "", "main", PeerDM, "agent:main:main"},
		{"dm per-peer", "", "per-peer", PeerDM, "agent:main:dm:42"},
		{"dm default", "", "", PeerDM, "agent:main:telegram:dm:42"},
		{"group ignores dmScope", "", "main", PeerGroup, "agent:main:telegram:group:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildScopedSessionKey("main", "telegram", tt.kind, "42", tt.scope, tt.dmScope)
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionKindPredicates(t *testing.T) {
	if !IsSubagentSession("agent:main:subagent:u1") {
		t.Fatalf("subagent not detected")
	}
	if !IsCronSession("agent:main:cron:j1") {
		t.Fatalf("cron not detected")
	}
	if !IsMainSession("agent:main:main") {
		t.Fatalf("main not detected")
	}
	if IsMainSession("agent:main:telegram:dm:1") {
		t.Fatalf("dm misdetected as main")
	}
}

func TestRegistryPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir, nil)
	e := r.GetOrCreate("agent:main:telegram:dm:42", "main")
	r.SetThinkingLevel(e.Key, ThinkingHigh)
	r.SetModelOverride(e.Key, "anthropic/claude-sonnet-4-5")
	if err := r.Save("main"); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewRegistry(dir, nil)
	got := fresh.Get("agent:main:telegram:dm:42")
	if got == nil {
		t.Fatalf("entry not reloaded")
	}
	if got.SessionID != e.SessionID {
		t.Fatalf("sessionId changed across reload")
	}
	if got.ThinkingLevel != ThinkingHigh || got.ModelOverride != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("overrides lost: %+v", got)
	}
}
