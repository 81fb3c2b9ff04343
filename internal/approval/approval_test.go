package approval

import (
	"sync"
	"testing"
	"time"
)

func TestStricterOf(t *testing.T) {
	global := Policy{Security: SecurityFull, Ask: AskOff}

	got := StricterOf(global, Policy{Security: SecurityAllowlist, Ask: AskOnMiss})
	if got.Security != SecurityAllowlist || got.Ask != AskOnMiss {
		t.Fatalf("session stricter should win: %+v", got)
	}

	got = StricterOf(Policy{Security: SecurityDeny, Ask: AskAlways}, Policy{Security: SecurityFull, Ask: AskOff})
	if got.Security != SecurityDeny || got.Ask != AskAlways {
		t.Fatalf("global stricter should survive: %+v", got)
	}
}

func TestCheckMatrix(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		cmd    string
		want   Decision
	}{
		{"deny all", Policy{Security: SecurityDeny}, "ls", DecisionDeny},
		{"full ask off", Policy{Security: SecurityFull, Ask: AskOff}, "rm -x /tmp/x", DecisionAllow},
		{"full ask always", Policy{Security: SecurityFull, Ask: AskAlways}, "ls", DecisionAsk},
		{"full on-miss unlisted", Policy{Security: SecurityFull, Ask: AskOnMiss}, "definitely-not-a-real-binary-xyz", DecisionAsk},
		{"full on-miss safe bin", Policy{Security: SecurityFull, Ask: AskOnMiss, SafeBins: DefaultSafeBins}, "cat /etc/hostname", DecisionAllow},
		{"allowlist miss", Policy{Security: SecurityAllowlist}, "definitely-not-a-real-binary-xyz", DecisionDeny},
		{"allowlist glob hit", Policy{Security: SecurityAllowlist, Allowlist: []string{"definitely-not-*"}}, "definitely-not-a-real-binary-xyz", DecisionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.policy)
			if got := e.Check(tt.cmd); got != tt.want {
				t.Fatalf("Check(%q) = %v, want %v", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestRequestDecideFlow(t *testing.T) {
	e := New(Policy{Security: SecurityFull, Ask: AskAlways, Timeout: time.Minute})

	var requested, decided []string
	var mu sync.Mutex
	e.SetNotifiers(
		func(req *Request) { mu.Lock(); requested = append(requested, req.ID); mu.Unlock() },
		func(req *Request) { mu.Lock(); decided = append(decided, req.ID); mu.Unlock() },
	)

	req := e.Request("run-1", "agent:main:main", "main", "/usr/bin/rm -rf /tmp/foo", "", nil, "")

	done := make(chan Status, 1)
	go func() { done <- e.Await(req) }()

	// Give Await a moment to arm, then deny.
	time.Sleep(10 * time.Millisecond)
	if _, err := e.Decide(req.ID, StatusDenied); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case st := <-done:
		if st != StatusDenied {
			t.Fatalf("await = %v, want denied", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	// Every requested id is followed by exactly one decided with the same id.
	if len(requested) != 1 || len(decided) != 1 || requested[0] != decided[0] {
		t.Fatalf("requested=%v decided=%v", requested, decided)
	}

	// A second decide on the same id is rejected: transitions are monotonic.
	if _, err := e.Decide(req.ID, StatusAllowOnce); err == nil {
		t.Fatalf("double decide should fail")
	}
}

func TestAwaitExpiry(t *testing.T) {
	e := New(Policy{Security: SecurityFull, Ask: AskAlways, Timeout: 20 * time.Millisecond})

	decided := make(chan string, 1)
	e.SetNotifiers(nil, func(req *Request) { decided <- req.ID })

	req := e.Request("run-2", "k", "main", "some-cmd", "", nil, "")
	if st := e.Await(req); st != StatusExpired {
		t.Fatalf("await = %v, want expired", st)
	}
	select {
	case id := <-decided:
		if id != req.ID {
			t.Fatalf("decided id mismatch")
		}
	case <-time.After(time.Second):
		t.Fatalf("expiry did not broadcast decided")
	}
}

func TestAllowAlwaysMutatesAndPersists(t *testing.T) {
	e := New(Policy{Security: SecurityFull, Ask: AskAlways, Timeout: time.Minute})

	var persisted []string
	e.SetPersistFunc(func(allowlist []string) { persisted = append([]string(nil), allowlist...) })

	req := e.Request("run-3", "k", "main", "my-custom-tool --flag", "", nil, "")
	if _, err := e.Decide(req.ID, StatusAllowAlways); err != nil {
		t.Fatalf("decide: %v", err)
	}

	if len(persisted) == 0 {
		t.Fatalf("allow-always did not persist the allowlist")
	}
	if len(e.Policy().Allowlist) == 0 {
		t.Fatalf("allowlist not mutated")
	}
}
