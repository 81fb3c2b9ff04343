// Package cron implements the scheduled-job engine: jobs persisted to
// cron/jobs.json, a single scheduler goroutine waking at the soonest
// nextRunAtMs via a min-heap of fire times, system events pushed into
// heartbeat queues, and direct channel-send jobs.
//
// Schedule kinds: At (one-shot, self-disabling after one successful run),
// Every (fixed interval, rescheduled from the previous fire time and snapped
// forward), and Cron (5-field expression evaluated by adhocore/gronx in a
// named timezone).
package cron

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/openclaw/gateway/internal/store"
)

// Dispatcher is what the engine calls when a job fires. Implemented by the
// gateway boot wiring; the engine itself has no dependency on the Run
// Controller or channel manager.
type Dispatcher interface {
	// PushSystemEvent delivers a systemEvent payload to its target session's
	// heartbeat queue; wakeNow requests an immediate heartbeat.
	PushSystemEvent(ctx context.Context, job *store.CronJob, wakeNow bool) error

	// SendMessage delivers a message payload directly through a channel
	// adapter, with no agent run.
	SendMessage(ctx context.Context, channel, to, text string) error
}

// Service is the cron engine. One scheduler goroutine owns all job state
// mutations; RPC callers go through Add/Update/Remove/RunNow which take the
// same lock.
type Service struct {
	store      store.CronStore
	dispatcher Dispatcher
	retry      RetryConfig
	gron       *gronx.Gronx

	mu     sync.Mutex
	wake   chan struct{}
	cancel context.CancelFunc
}

// New creates a Service over the persisted job set.
func New(cronStore store.CronStore, dispatcher Dispatcher, retry RetryConfig) *Service {
	return &Service{
		store:      cronStore,
		dispatcher: dispatcher,
		retry:      retry,
		gron:       gronx.New(),
		wake:       make(chan struct{}, 1),
	}
}

// fireHeap is a min-heap of (nextRunAtMs, jobID), ordered soonest-first.
type fireEntry struct {
	at time.Time
	id string
}

type fireHeap []fireEntry

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(fireEntry)) }
func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Start launches the scheduler goroutine. Jobs missing a nextRunAtMs (new or
// restored from an older file) are scheduled before the first wait.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	now := time.Now()
	for _, job := range s.store.All() {
		if !job.Enabled {
			continue
		}
		if job.State.NextRunAtMs == 0 {
			if next, ok := s.nextFire(job, now); ok {
				job.State.NextRunAtMs = next.UnixMilli()
				if err := s.store.Update(job); err != nil {
					slog.Warn("cron: persist initial schedule failed", "job", job.ID, "error", err)
				}
			}
		}
	}
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scheduler goroutine.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cron scheduler panic recovered", "panic", fmt.Sprint(r))
		}
	}()

	for {
		next, ok := s.soonest()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fire:
			s.fireDue(ctx)
		}
	}
}

// soonest returns the earliest nextRunAt across enabled jobs.
func (s *Service) soonest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &fireHeap{}
	heap.Init(h)
	for _, job := range s.store.All() {
		if !job.Enabled || job.State.NextRunAtMs == 0 {
			continue
		}
		heap.Push(h, fireEntry{at: time.UnixMilli(job.State.NextRunAtMs), id: job.ID})
	}
	if h.Len() == 0 {
		return time.Time{}, false
	}
	return (*h)[0].at, true
}

// fireDue executes every job whose nextRunAt has passed, then reschedules.
func (s *Service) fireDue(ctx context.Context) {
	s.mu.Lock()
	now := time.Now()
	var due []*store.CronJob
	for _, job := range s.store.All() {
		if job.Enabled && job.State.NextRunAtMs != 0 && job.State.NextRunAtMs <= now.UnixMilli() {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.execute(ctx, job)
	}
}

// execute runs one job with bounded retry, then applies the post-run
// schedule rules and persists the mutation.
func (s *Service) execute(ctx context.Context, job *store.CronJob) {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.dispatch(ctx, job)
		if err == nil || attempt > s.retry.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := s.retry.delayFor(attempt)
		slog.Warn("cron job failed, retrying", "job", job.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.State.LastRunAtMs = now.UnixMilli()
	job.State.RunCount++

	if err != nil {
		// A failed job records the error but does not self-disable; a
		// recurring schedule keeps recurring.
		job.State.LastStatus = store.CronStatusError
		job.State.LastError = err.Error()
		job.State.FailCount++
		slog.Error("cron job failed", "job", job.ID, "name", job.Name, "error", err)
	} else {
		job.State.LastStatus = store.CronStatusOK
		job.State.LastError = ""
		if job.Schedule.Kind == store.ScheduleAt {
			// One-shot: at most one successful execution across restarts.
			job.Enabled = false
		}
	}

	if job.Enabled {
		if next, ok := s.nextFire(job, now); ok {
			job.State.NextRunAtMs = next.UnixMilli()
		} else {
			job.State.NextRunAtMs = 0
		}
	} else {
		job.State.NextRunAtMs = 0
	}
	job.UpdatedAt = now

	if perr := s.store.Update(job); perr != nil {
		slog.Error("cron: persist job state failed", "job", job.ID, "error", perr)
	}
}

func (s *Service) dispatch(ctx context.Context, job *store.CronJob) error {
	switch job.Payload.Kind {
	case store.PayloadMessage:
		if job.SessionTarget != store.TargetDirect {
			return fmt.Errorf("message payload requires direct session target")
		}
		return s.dispatcher.SendMessage(ctx, job.Payload.Channel, job.Payload.To, job.Payload.Text)
	case store.PayloadSystemEvent:
		return s.dispatcher.PushSystemEvent(ctx, job, job.WakeMode == store.WakeNow)
	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

// nextFire computes a job's next fire time after now.
func (s *Service) nextFire(job *store.CronJob, now time.Time) (time.Time, bool) {
	switch job.Schedule.Kind {
	case store.ScheduleAt:
		at := time.UnixMilli(job.Schedule.AtMs)
		if at.Before(now) && job.State.RunCount > 0 {
			return time.Time{}, false
		}
		return at, true

	case store.ScheduleEvery:
		every := time.Duration(job.Schedule.EveryMs) * time.Millisecond
		if every <= 0 {
			return time.Time{}, false
		}
		anchor := time.UnixMilli(job.Schedule.AnchorMs)
		if job.Schedule.AnchorMs == 0 {
			anchor = now
		}
		if job.State.LastRunAtMs > 0 {
			anchor = time.UnixMilli(job.State.LastRunAtMs)
		}
		next := anchor.Add(every)
		// Snap forward: a gateway that slept through several intervals runs
		// once, not once per missed interval.
		for !next.After(now) {
			next = next.Add(every)
		}
		return next, true

	case store.ScheduleCron:
		loc := time.UTC
		if job.Schedule.Timezone != "" {
			if l, err := time.LoadLocation(job.Schedule.Timezone); err == nil {
				loc = l
			} else {
				slog.Warn("cron: unknown timezone, using UTC", "job", job.ID, "tz", job.Schedule.Timezone)
			}
		}
		next, err := gronx.NextTickAfter(job.Schedule.Expr, now.In(loc), false)
		if err != nil {
			slog.Error("cron: bad expression", "job", job.ID, "expr", job.Schedule.Expr, "error", err)
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// Add validates and persists a new job, then wakes the scheduler.
func (s *Service) Add(job *store.CronJob) error {
	if err := Validate(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Enabled {
		if next, ok := s.nextFire(job, now); ok {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}
	if err := s.store.Add(job); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Update replaces an existing job's definition, recomputing its schedule.
func (s *Service) Update(job *store.CronJob) error {
	if err := Validate(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now()
	job.State = existing.State
	if job.Enabled {
		if next, ok := s.nextFire(job, time.Now()); ok {
			job.State.NextRunAtMs = next.UnixMilli()
		} else {
			job.State.NextRunAtMs = 0
		}
	} else {
		job.State.NextRunAtMs = 0
	}
	if err := s.store.Update(job); err != nil {
		return err
	}
	s.kick()
	return nil
}

// Remove deletes a job. After Remove, the engine is indistinguishable from
// one that never held the job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.kick()
	return nil
}

// RunNow fires a job immediately, outside its schedule. The run still counts
// toward an At job's one-shot consumption.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job, err := s.store.Get(id)
	if err != nil {
		return err
	}
	s.execute(ctx, job)
	s.kick()
	return nil
}

// Get returns a job by id.
func (s *Service) Get(id string) (*store.CronJob, error) { return s.store.Get(id) }

// List returns jobs, optionally filtered by agent.
func (s *Service) List(agentID string) []*store.CronJob { return s.store.List(agentID) }

// kick wakes the scheduler so it re-reads the soonest fire time. Caller may
// hold s.mu; the channel is buffered so this never blocks.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Validate enforces the job invariants: a message payload requires a
// direct session target, and every schedule kind carries its own fields.
func Validate(job *store.CronJob) error {
	if job.Payload.Kind == store.PayloadMessage && job.SessionTarget != store.TargetDirect {
		return fmt.Errorf("cron: message payload requires sessionTarget=direct")
	}
	if job.Payload.Kind == store.PayloadSystemEvent && job.Payload.Text == "" {
		return fmt.Errorf("cron: systemEvent payload requires text")
	}

	switch job.Schedule.Kind {
	case store.ScheduleAt:
		if job.Schedule.AtMs <= 0 {
			return fmt.Errorf("cron: at schedule requires atMs")
		}
	case store.ScheduleEvery:
		if job.Schedule.EveryMs <= 0 {
			return fmt.Errorf("cron: every schedule requires everyMs > 0")
		}
	case store.ScheduleCron:
		if !gronx.New().IsValid(job.Schedule.Expr) {
			return fmt.Errorf("cron: invalid expression %q", job.Schedule.Expr)
		}
	default:
		return fmt.Errorf("cron: unknown schedule kind %q", job.Schedule.Kind)
	}
	return nil
}
