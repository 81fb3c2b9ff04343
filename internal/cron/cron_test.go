package cron

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/gateway/internal/store"
	storefile "github.com/openclaw/gateway/internal/store/file"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []string
	events   []string
}

func (d *fakeDispatcher) PushSystemEvent(ctx context.Context, job *store.CronJob, wakeNow bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, job.Payload.Text)
	return nil
}

func (d *fakeDispatcher) SendMessage(ctx context.Context, channel, to, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, channel+"|"+to+"|"+text)
	return nil
}

func (d *fakeDispatcher) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}

func newTestService(t *testing.T) (*Service, *fakeDispatcher, store.CronStore) {
	t.Helper()
	cs, err := storefile.NewFileCronStore(t.TempDir() + "/jobs.json")
	if err != nil {
		t.Fatalf("cron store: %v", err)
	}
	d := &fakeDispatcher{}
	retry := RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return New(cs, d, retry), d, cs
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     store.CronJob
		wantErr bool
	}{
		{
			"message requires direct target",
			store.CronJob{
				SessionTarget: store.TargetAgent,
				Payload:       store.CronJobPayload{Kind: store.PayloadMessage, Text: "hi", Channel: "telegram"},
				Schedule:      store.Schedule{Kind: store.ScheduleAt, AtMs: 1},
			},
			true,
		},
		{
			"valid at job",
			store.CronJob{
				SessionTarget: store.TargetDirect,
				Payload:       store.CronJobPayload{Kind: store.PayloadMessage, Text: "hi", Channel: "telegram", To: "1"},
				Schedule:      store.Schedule{Kind: store.ScheduleAt, AtMs: 1},
			},
			false,
		},
		{
			"bad cron expr",
			store.CronJob{
				SessionTarget: store.TargetAgent,
				Payload:       store.CronJobPayload{Kind: store.PayloadSystemEvent, Text: "tick"},
				Schedule:      store.Schedule{Kind: store.ScheduleCron, Expr: "not a cron"},
			},
			true,
		},
		{
			"valid cron expr",
			store.CronJob{
				SessionTarget: store.TargetAgent,
				Payload:       store.CronJobPayload{Kind: store.PayloadSystemEvent, Text: "tick"},
				Schedule:      store.Schedule{Kind: store.ScheduleCron, Expr: "*/5 * * * *"},
			},
			false,
		},
		{
			"every requires interval",
			store.CronJob{
				SessionTarget: store.TargetAgent,
				Payload:       store.CronJobPayload{Kind: store.PayloadSystemEvent, Text: "tick"},
				Schedule:      store.Schedule{Kind: store.ScheduleEvery},
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAtJobFiresOnceAndDisables(t *testing.T) {
	svc, d, cs := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &store.CronJob{
		Name:          "birthday",
		Enabled:       true,
		SessionTarget: store.TargetDirect,
		Payload:       store.CronJobPayload{Kind: store.PayloadMessage, Text: "reminder", Channel: "telegram", To: "6450265544"},
		Schedule:      store.Schedule{Kind: store.ScheduleAt, AtMs: time.Now().Add(50 * time.Millisecond).UnixMilli()},
	}
	if err := svc.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	svc.Start(ctx)
	defer svc.Stop()

	deadline := time.After(3 * time.Second)
	for len(d.sent()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("job never fired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Give the post-run persistence a moment, then verify at-most-once.
	time.Sleep(150 * time.Millisecond)
	sent := d.sent()
	if len(sent) != 1 {
		t.Fatalf("at job fired %d times, want 1", len(sent))
	}
	if sent[0] != "telegram|6450265544|reminder" {
		t.Fatalf("wrong delivery: %q", sent[0])
	}

	stored, err := cs.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Enabled {
		t.Fatalf("at job should self-disable after success")
	}
	if stored.State.LastStatus != store.CronStatusOK {
		t.Fatalf("lastStatus = %q", stored.State.LastStatus)
	}
}

func TestEverySnapsForward(t *testing.T) {
	svc, _, _ := newTestService(t)

	job := &store.CronJob{
		Schedule: store.Schedule{Kind: store.ScheduleEvery, EveryMs: 60_000},
		State: store.CronJobState{
			// Last ran an hour ago: next fire must snap past now, not
			// replay 60 missed intervals.
			LastRunAtMs: time.Now().Add(-time.Hour).UnixMilli(),
		},
	}
	next, ok := svc.nextFire(job, time.Now())
	if !ok {
		t.Fatalf("no next fire")
	}
	if !next.After(time.Now()) {
		t.Fatalf("next fire in the past: %v", next)
	}
	if next.After(time.Now().Add(61 * time.Second)) {
		t.Fatalf("next fire too far out: %v", next)
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	svc, _, cs := newTestService(t)

	job := &store.CronJob{
		Name:          "tick",
		Enabled:       true,
		SessionTarget: store.TargetAgent,
		Payload:       store.CronJobPayload{Kind: store.PayloadSystemEvent, Text: "tick"},
		Schedule:      store.Schedule{Kind: store.ScheduleEvery, EveryMs: 60_000},
	}
	if err := svc.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(cs.All()) != 1 {
		t.Fatalf("job not persisted")
	}
	if err := svc.Remove(job.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(cs.All()) != 0 {
		t.Fatalf("remove left state behind")
	}
}

func TestFailedJobRecordsErrorWithoutDisabling(t *testing.T) {
	cs, _ := storefile.NewFileCronStore(t.TempDir() + "/jobs.json")
	d := &failingDispatcher{}
	svc := New(cs, d, RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	job := &store.CronJob{
		Name:          "flaky",
		Enabled:       true,
		SessionTarget: store.TargetAgent,
		Payload:       store.CronJobPayload{Kind: store.PayloadSystemEvent, Text: "tick"},
		Schedule:      store.Schedule{Kind: store.ScheduleEvery, EveryMs: 3_600_000},
	}
	if err := svc.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("run now: %v", err)
	}

	stored, _ := cs.Get(job.ID)
	if stored.State.LastStatus != store.CronStatusError || stored.State.LastError == "" {
		t.Fatalf("failure not recorded: %+v", stored.State)
	}
	if !stored.Enabled {
		t.Fatalf("recurring job must not self-disable on failure")
	}
}

type failingDispatcher struct{}

func (failingDispatcher) PushSystemEvent(ctx context.Context, job *store.CronJob, wakeNow bool) error {
	return context.DeadlineExceeded
}
func (failingDispatcher) SendMessage(ctx context.Context, channel, to, text string) error {
	return context.DeadlineExceeded
}

func TestHeartbeatAck(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"HEARTBEAT_OK", true},
		{"  HEARTBEAT_OK  ", true},
		{"HEARTBEAT_OK nothing to report", true},
		{"The disk is at 95%, you should look at this", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAck(tt.reply, 300); got != tt.want {
			t.Fatalf("IsAck(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestActiveHoursWindow(t *testing.T) {
	day := ActiveHours{Start: "09:00", End: "17:00", Timezone: "UTC"}
	at := func(h int) time.Time {
		return time.Date(2026, 8, 1, h, 30, 0, 0, time.UTC)
	}
	if !day.within(at(10)) {
		t.Fatalf("10:30 should be within 09:00-17:00")
	}
	if day.within(at(20)) {
		t.Fatalf("20:30 should be outside 09:00-17:00")
	}

	overnight := ActiveHours{Start: "22:00", End: "06:00", Timezone: "UTC"}
	if !overnight.within(at(23)) || overnight.within(at(12)) {
		t.Fatalf("overnight window misjudged")
	}

	if !(ActiveHours{}).within(at(3)) {
		t.Fatalf("zero window is always active")
	}
}

func TestHeartbeatPushAndLast(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	h := NewHeartbeats(func(ctx context.Context, agentID, prompt string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return "HEARTBEAT_OK", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Enable(ctx, "main", HeartbeatConfig{Every: time.Hour})
	h.Push("main", "backup finished", true)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(prompts)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("wakeNow heartbeat never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	prompt := prompts[0]
	mu.Unlock()
	if want := "backup finished"; !strings.Contains(prompt, want) {
		t.Fatalf("queued event missing from prompt: %q", prompt)
	}

	_, text, errMsg := h.Last("main")
	if text != "HEARTBEAT_OK" || errMsg != "" {
		t.Fatalf("Last() = (%q, %q)", text, errMsg)
	}
}
