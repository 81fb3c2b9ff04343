// Package queue implements the Queue & Scheduler: per-session FIFO
// lanes with strict single-run serialization, plus the global subagent and
// heartbeat lanes. Each lane is serviced by its own workers, at most the
// lane's concurrency at once; lanes do not share a worker pool and there is
// no cross-lane round-robin.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/gwerr"
)

// Lane names for the two global lanes. Session lanes are named
// "session:<sessionKey>" and created on demand.
const (
	LaneSubagent = "subagent"
	LaneHeartbeat = "heartbeat"
)

// DefaultSubagentConcurrency is the subagent lane's default parallelism.
const DefaultSubagentConcurrency = 8

// Entry is a QueueEntry: one admission to a lane.
type Entry struct {
	RunID        string
	SessionKey   string
	Lane         string
	EnqueuedAt   time.Time
	ExpiresAt    time.Time
	TimeoutMs    int64
	Run          func(ctx context.Context) // invoked by the dispatching worker
	done         chan struct{}
}

// lane holds the FIFO and in-flight bookkeeping for one lane name.
type lane struct {
	mu          sync.Mutex
	fifo        *list.List // of *Entry
	inFlight    map[string]*Entry // runId -> entry, for idempotent re-enqueue
	concurrency int
	active      int
	ready       chan struct{} // signaled when fifo transitions empty->non-empty
	maxDepth    int
}

// Scheduler is the Queue & Scheduler component.
type Scheduler struct {
	mu    sync.Mutex
	lanes map[string]*lane

	subagentConcurrency int
	maxDepth            int

	waitMs struct {
		mu     sync.Mutex
		counts map[string][]int64 // lane -> observed wait durations (ms)
	}
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithSubagentConcurrency overrides the default subagent-lane concurrency.
func WithSubagentConcurrency(n int) Option {
	return func(s *Scheduler) { s.subagentConcurrency = n }
}

// WithMaxDepth sets the per-lane depth at which Enqueue returns queue-full.
// 0 means unbounded.
func WithMaxDepth(n int) Option {
	return func(s *Scheduler) { s.maxDepth = n }
}

// New creates a Scheduler with the session lane concurrency fixed at 1 and
// the heartbeat lane fixed at 1
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		lanes:               make(map[string]*lane),
		subagentConcurrency: DefaultSubagentConcurrency,
	}
	for _, o := range opts {
		o(s)
	}
	s.waitMs.counts = make(map[string][]int64)
	return s
}

func (s *Scheduler) laneFor(name string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.lanes[name]; ok {
		return l
	}

	concurrency := 1
	switch {
	case name == LaneSubagent:
		concurrency = s.subagentConcurrency
	case name == LaneHeartbeat:
		concurrency = 1
	}

	l := &lane{
		fifo:        list.New(),
		inFlight:    make(map[string]*Entry),
		concurrency: concurrency,
		ready:       make(chan struct{}, 1),
		maxDepth:    s.maxDepth,
	}
	s.lanes[name] = l
	return l
}

// Enqueue admits an entry to its lane. Idempotent by RunID: if an entry with
// the same RunID is already in-flight (queued or running) in that lane, the
// existing entry is returned instead of creating a duplicate. Returns
// gwerr.Unavailable ("queue-full") once the lane's configured depth is
// exceeded.
func (s *Scheduler) Enqueue(e *Entry) (*Entry, error) {
	l := s.laneFor(e.Lane)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.inFlight[e.RunID]; ok {
		return existing, nil
	}

	if l.maxDepth > 0 && l.fifo.Len() >= l.maxDepth {
		return nil, gwerr.New(gwerr.Unavailable, "queue-full")
	}

	e.EnqueuedAt = time.Now()
	e.done = make(chan struct{})
	l.inFlight[e.RunID] = e
	l.fifo.PushBack(e)

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return e, nil
}

// Start launches a worker pool servicing name's lane, bounded by its
// configured concurrency. Start is idempotent per lane name: calling it
// again for a lane already started is a no-op in the caller's control flow
// (the dispatch loop below naturally blocks on an empty fifo, so callers may
// call Start once per process for every lane they expect to use).
func (s *Scheduler) Start(ctx context.Context, name string) {
	l := s.laneFor(name)
	for i := 0; i < l.concurrency; i++ {
		go s.worker(ctx, name, l)
	}
}

func (s *Scheduler) worker(ctx context.Context, name string, l *lane) {
	for {
		entry, ok := s.dequeue(ctx, l)
		if !ok {
			return // context cancelled
		}
		waitMs := time.Since(entry.EnqueuedAt).Milliseconds()
		slog.Info("queue.lane.dequeue", "lane", name, "runId", entry.RunID, "sessionKey", entry.SessionKey, "wait_ms", waitMs)
		s.recordWait(name, waitMs)

		runCtx := ctx
		var cancel context.CancelFunc
		if entry.TimeoutMs > 0 {
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(entry.TimeoutMs)*time.Millisecond)
		}
		func() {
			defer func() {
				if cancel != nil {
					cancel()
				}
				if r := recover(); r != nil {
					slog.Error("queue worker panic recovered", "lane", name, "runId", entry.RunID, "panic", fmt.Sprint(r))
				}
				l.mu.Lock()
				delete(l.inFlight, entry.RunID)
				l.active--
				l.mu.Unlock()
				close(entry.done)
			}()
			if entry.Run != nil {
				entry.Run(runCtx)
			}
		}()
	}
}

// dequeue blocks until an entry is available or ctx is cancelled, respecting
// the lane's configured concurrency (at most `concurrency` entries active at
// once). Invariant: cancellation of K's current run never dequeues
// K's successors out of order — they remain queued until a slot frees.
func (s *Scheduler) dequeue(ctx context.Context, l *lane) (*Entry, bool) {
	for {
		l.mu.Lock()
		if l.active < l.concurrency {
			if front := l.fifo.Front(); front != nil {
				l.fifo.Remove(front)
				entry := front.Value.(*Entry)
				l.active++
				l.mu.Unlock()
				return entry, true
			}
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-l.ready:
			continue
		case <-time.After(50 * time.Millisecond):
			// Safety net: a slot may have freed without a fifo push
			// signaling `ready` (concurrency-limited, not empty-to-
			// nonempty). Re-check on a short poll rather than relying
			// solely on the ready channel.
			continue
		}
	}
}

func (s *Scheduler) recordWait(lane string, ms int64) {
	s.waitMs.mu.Lock()
	defer s.waitMs.mu.Unlock()
	hist := s.waitMs.counts[lane]
	hist = append(hist, ms)
	if len(hist) > 1000 {
		hist = hist[len(hist)-1000:]
	}
	s.waitMs.counts[lane] = hist
}

// Depth returns the number of queued (not yet dispatched) entries in a lane.
func (s *Scheduler) Depth(name string) int {
	l := s.laneFor(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fifo.Len()
}

// Active returns the number of currently-running entries in a lane.
func (s *Scheduler) Active(name string) int {
	l := s.laneFor(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// WaitMsHistogram returns a copy of recently observed wait durations (ms)
// for a lane, newest last, for observability.
func (s *Scheduler) WaitMsHistogram(name string) []int64 {
	s.waitMs.mu.Lock()
	defer s.waitMs.mu.Unlock()
	hist := s.waitMs.counts[name]
	out := make([]int64, len(hist))
	copy(out, hist)
	return out
}

// SessionLane returns the lane name for a given SessionKey. Session lanes
// always have concurrency 1, so turns for one session never overlap.
func SessionLane(sessionKey string) string {
	return "session:" + sessionKey
}
