package store

import "time"

// ScheduleKind distinguishes the three cron schedule shapes: a single
// one-shot fire time, a fixed-interval repeat, and a full cron expression
// evaluated in a named timezone.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the tagged-variant schedule a CronJob carries. Exactly the
// field(s) matching Kind are meaningful; the rest are zero.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At: the single instant (ms since epoch, UTC) this job fires once at.
	// The job disables itself after one successful execution.
	AtMs int64 `json:"atMs,omitempty"`

	// Every: the fixed interval between runs, rescheduled relative to the
	// previous fire time and snapped forward past now.
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// Cron: a standard 5-field cron expression evaluated in Timezone
	// (IANA name; "" means UTC).
	Expr     string `json:"expr,omitempty"`
	Timezone string `json:"tz,omitempty"`
}

// PayloadKind distinguishes what a job does when it fires.
type PayloadKind string

const (
	// PayloadSystemEvent pushes a transient system event into the target
	// session's heartbeat queue.
	PayloadSystemEvent PayloadKind = "systemEvent"
	// PayloadMessage delivers text directly through a channel adapter's
	// send, with no agent run. Requires SessionTarget == TargetDirect.
	PayloadMessage PayloadKind = "message"
)

// SessionTarget selects which session a fired job addresses.
type SessionTarget string

const (
	TargetDirect  SessionTarget = "direct"
	TargetAgent   SessionTarget = "agent"
	TargetSession SessionTarget = "session"
)

// WakeMode controls whether a system-event job requests an immediate
// heartbeat or waits for the next scheduled one.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// CronJobPayload is the tagged-variant work a job performs when it fires.
type CronJobPayload struct {
	Kind PayloadKind `json:"kind"`

	// Shared: the event or message text.
	Text string `json:"text"`

	// PayloadMessage only: outbound channel and recipient.
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// Job last-status values.
const (
	CronStatusOK    = "ok"
	CronStatusError = "error"
)

// CronJobState is the engine-owned mutable half of a job.
type CronJobState struct {
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	RunCount    int    `json:"runCount,omitempty"`
	FailCount   int    `json:"failCount,omitempty"`
}

// CronJob is one scheduled job, persisted to cron/jobs.json after every
// mutation.
type CronJob struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	AgentID       string         `json:"agentId"`
	Enabled       bool           `json:"enabled"`
	Schedule      Schedule       `json:"schedule"`
	SessionTarget SessionTarget  `json:"sessionTarget"`
	SessionKey    string         `json:"sessionKey,omitempty"` // TargetSession only
	WakeMode      WakeMode       `json:"wakeMode,omitempty"`
	Payload       CronJobPayload `json:"payload"`
	State         CronJobState   `json:"state"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// CronStore persists the job set across restarts. Implementations must be
// safe for concurrent use; the cron service is the only writer but RPC reads
// (cron.list) can race it.
type CronStore interface {
	Add(job *CronJob) error
	Update(job *CronJob) error
	Remove(id string) error
	Get(id string) (*CronJob, error)
	List(agentID string) []*CronJob
	All() []*CronJob
}
