package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openclaw/gateway/internal/bus"
	"github.com/openclaw/gateway/internal/queue"
	storefile "github.com/openclaw/gateway/internal/store/file"
	"github.com/openclaw/gateway/pkg/protocol"
)

// fakeAgent is a controllable Agent implementation.
type fakeAgent struct {
	id      string
	delay   time.Duration
	reply   string
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeAgent) ID() string    { return f.id }
func (f *fakeAgent) Model() string { return "fake-model" }

func (f *fakeAgent) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.delay):
	}

	reply := f.reply
	if reply == "" {
		reply = "done: " + req.Message
	}
	return &RunResult{Content: reply, RunID: req.RunID}, nil
}

// deltaRecorder collects broadcast chat deltas.
type deltaRecorder struct {
	mu     sync.Mutex
	deltas []Delta
}

func (r *deltaRecorder) subscribe(b *bus.MessageBus) {
	b.Subscribe("test-recorder", func(ev bus.Event) {
		if ev.Name != protocol.EventChat {
			return
		}
		if d, ok := ev.Payload.(Delta); ok {
			r.mu.Lock()
			r.deltas = append(r.deltas, d)
			r.mu.Unlock()
		}
	})
}

func (r *deltaRecorder) forRun(runID string) []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Delta
	for _, d := range r.deltas {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out
}

func newTestController(t *testing.T, fake *fakeAgent) (*Controller, *bus.MessageBus, *deltaRecorder, context.CancelFunc) {
	t.Helper()

	msgBus := bus.New(64)
	fileStore := storefile.NewFileSessionStore(t.TempDir())
	sched := queue.New()
	ctx, cancel := context.WithCancel(context.Background())

	router := NewRouter(func(agentKey string) (Agent, error) { return fake, nil })
	c := NewController(ControllerConfig{
		Router:    router,
		Scheduler: sched,
		Sessions:  fileStore,
		Registry:  fileStore.Registry(),
		Events:    msgBus,
		Outbound:  msgBus,
	})

	// Lanes the tests exercise.
	sched.Start(ctx, queue.SessionLane("agent:main:main"))
	sched.Start(ctx, queue.SessionLane("agent:main:telegram:dm:42"))
	sched.Start(ctx, queue.LaneSubagent)
	sched.Start(ctx, queue.LaneHeartbeat)

	rec := &deltaRecorder{}
	rec.subscribe(msgBus)
	return c, msgBus, rec, cancel
}

func waitForState(t *testing.T, rec *deltaRecorder, runID, state string) Delta {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, d := range rec.forRun(runID) {
			if d.State == state {
				return d
			}
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached state %s; saw %+v", runID, state, rec.forRun(runID))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendRunsToFinal(t *testing.T) {
	fake := &fakeAgent{id: "main", reply: "hello back"}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	res, err := c.Send(context.Background(), SendRequest{
		SessionKey: "agent:main:main",
		Message:    "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != "started" || res.RunID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	final := waitForState(t, rec, res.RunID, protocol.RunFinal)
	if final.Message != "hello back" {
		t.Fatalf("final message = %q", final.Message)
	}
}

func TestSeqStrictlyMonotonic(t *testing.T) {
	fake := &fakeAgent{id: "main", delay: 30 * time.Millisecond}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	res, err := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "go"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Stream a few mid-run deltas through the event adapter.
	for i := 0; i < 3; i++ {
		c.HandleAgentEvent(AgentEvent{
			Type:    protocol.ChatEventChunk,
			RunID:   res.RunID,
			Payload: map[string]string{"content": "chunk"},
		})
	}
	waitForState(t, rec, res.RunID, protocol.RunFinal)

	deltas := rec.forRun(res.RunID)
	var last int64
	for _, d := range deltas {
		if d.Seq <= last {
			t.Fatalf("seq not strictly monotonic: %+v", deltas)
		}
		last = d.Seq
	}
}

func TestTerminalFinality(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	res, _ := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "quick"})
	waitForState(t, rec, res.RunID, protocol.RunFinal)

	before := len(rec.forRun(res.RunID))
	// Late events for a finalized run are dropped.
	c.HandleAgentEvent(AgentEvent{Type: protocol.ChatEventChunk, RunID: res.RunID, Payload: map[string]string{"content": "late"}})
	time.Sleep(50 * time.Millisecond)
	if after := len(rec.forRun(res.RunID)); after != before {
		t.Fatalf("terminal run emitted more deltas: %d -> %d", before, after)
	}
}

func TestPerSessionSerialization(t *testing.T) {
	fake := &fakeAgent{id: "main", delay: 40 * time.Millisecond}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	var runIDs []string
	for i := 0; i < 3; i++ {
		res, err := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "turn"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		runIDs = append(runIDs, res.RunID)
	}
	for _, id := range runIDs {
		waitForState(t, rec, id, protocol.RunFinal)
	}

	if max := fake.maxSeen.Load(); max != 1 {
		t.Fatalf("session ran %d turns concurrently, want 1", max)
	}
}

func TestIdempotentSend(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	first, err := c.Send(context.Background(), SendRequest{
		SessionKey:     "agent:main:main",
		Message:        "same turn",
		IdempotencyKey: "k-42",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	second, err := c.Send(context.Background(), SendRequest{
		SessionKey:     "agent:main:main",
		Message:        "same turn",
		IdempotencyKey: "k-42",
	})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}

	if second.RunID != first.RunID || !second.Cached {
		t.Fatalf("resend = %+v, want cached copy of %+v", second, first)
	}
	waitForState(t, rec, first.RunID, protocol.RunFinal)
}

func TestSendValidation(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, _, cancel := newTestController(t, fake)
	defer cancel()

	if _, err := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "   "}); err == nil {
		t.Fatalf("empty message should be rejected")
	}
}

func TestAbortActiveRun(t *testing.T) {
	fake := &fakeAgent{id: "main", delay: 5 * time.Second}
	c, _, rec, cancel := newTestController(t, fake)
	defer cancel()

	res, _ := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "long task"})
	waitForState(t, rec, res.RunID, protocol.RunRunning)

	aborted := c.Abort("agent:main:main", "", "stop command")
	if len(aborted) != 1 || aborted[0] != res.RunID {
		t.Fatalf("abort = %v", aborted)
	}

	final := waitForState(t, rec, res.RunID, protocol.RunAborted)
	if final.ErrorMessage == "" {
		t.Fatalf("aborted delta missing reason")
	}
}

func TestCommandDirectiveMutatesSession(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, _, cancel := newTestController(t, fake)
	defer cancel()

	res, err := c.Send(context.Background(), SendRequest{SessionKey: "agent:main:main", Message: "/think high"})
	if err != nil {
		t.Fatalf("directive: %v", err)
	}
	if res.RunID != "" {
		t.Fatalf("directive should not start a run: %+v", res)
	}

	entry := c.registry.Get("agent:main:main")
	if entry == nil || string(entry.ThinkingLevel) != "high" {
		t.Fatalf("thinking level not applied: %+v", entry)
	}
}

func TestInjectThenHistory(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, _, cancel := newTestController(t, fake)
	defer cancel()

	id, err := c.Inject("agent:main:main", "operator note", "ops")
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if id == "" {
		t.Fatalf("no message id")
	}

	hist, err := c.History("agent:main:main", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Messages) == 0 {
		t.Fatalf("history empty after inject")
	}
	last := hist.Messages[len(hist.Messages)-1]
	if last.Role != "assistant" || last.Content != "[ops] operator note" {
		t.Fatalf("injected record wrong: %+v", last)
	}
}

func TestHistoryLimits(t *testing.T) {
	fake := &fakeAgent{id: "main"}
	c, _, _, cancel := newTestController(t, fake)
	defer cancel()

	c.Inject("agent:main:main", "one", "")
	c.Inject("agent:main:main", "two", "")

	// Explicit zero limit yields an empty message list.
	hist, err := c.History("agent:main:main", -1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("limit 0 should return no messages, got %d", len(hist.Messages))
	}
}

func TestRunHeartbeat(t *testing.T) {
	fake := &fakeAgent{id: "main", reply: "HEARTBEAT_OK"}
	c, _, _, cancel := newTestController(t, fake)
	defer cancel()

	text, err := c.RunHeartbeat(context.Background(), "main", "Read HEARTBEAT.md if present.")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if text != "HEARTBEAT_OK" {
		t.Fatalf("heartbeat reply = %q", text)
	}
}
