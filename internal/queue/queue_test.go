package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openclaw/gateway/internal/gwerr"
)

func TestSessionLaneSerializes(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lane := SessionLane("agent:main:main")
	s.Start(ctx, lane)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		entry := &Entry{
			RunID:      "run-" + string(rune('a'+i)),
			SessionKey: "agent:main:main",
			Lane:       lane,
			Run: func(runCtx context.Context) {
				defer wg.Done()
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			},
		}
		if _, err := s.Enqueue(entry); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	wg.Wait()
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("session lane ran %d entries concurrently, want 1", got)
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lane := SessionLane("agent:main:order")
	s.Start(ctx, lane)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		s.Enqueue(&Entry{
			RunID: "ord-" + string(rune('0'+i)),
			Lane:  lane,
			Run: func(runCtx context.Context) {
				defer wg.Done()
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("out of order execution: %v", order)
		}
	}
}

func TestEnqueueIdempotentByRunID(t *testing.T) {
	s := New()

	first, err := s.Enqueue(&Entry{RunID: "dup", Lane: "session:k"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := s.Enqueue(&Entry{RunID: "dup", Lane: "session:k"})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if first != second {
		t.Fatalf("same runId should return the in-flight entry")
	}
	if s.Depth("session:k") != 1 {
		t.Fatalf("depth = %d, want 1", s.Depth("session:k"))
	}
}

func TestQueueFull(t *testing.T) {
	s := New(WithMaxDepth(2))

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(&Entry{RunID: "f" + string(rune('0'+i)), Lane: "session:full"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	_, err := s.Enqueue(&Entry{RunID: "f9", Lane: "session:full"})
	if err == nil {
		t.Fatalf("expected queue-full")
	}
	var werr *gwerr.Error
	if !errors.As(err, &werr) || werr.Code != gwerr.Unavailable {
		t.Fatalf("want UNAVAILABLE, got %v", err)
	}
}

func TestSubagentLaneConcurrency(t *testing.T) {
	s := New(WithSubagentConcurrency(3))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, LaneSubagent)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		s.Enqueue(&Entry{
			RunID: "sub-" + string(rune('a'+i)),
			Lane:  LaneSubagent,
			Run: func(runCtx context.Context) {
				defer wg.Done()
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
			},
		})
	}
	wg.Wait()

	got := atomic.LoadInt32(&maxActive)
	if got > 3 {
		t.Fatalf("subagent lane exceeded concurrency: %d > 3", got)
	}
	if got < 2 {
		t.Fatalf("subagent lane never ran in parallel (max %d)", got)
	}
}

func TestRunTimeoutCancelsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lane := SessionLane("agent:main:timeout")
	s.Start(ctx, lane)

	done := make(chan error, 1)
	s.Enqueue(&Entry{
		RunID:     "slow",
		Lane:      lane,
		TimeoutMs: 30,
		Run: func(runCtx context.Context) {
			select {
			case <-runCtx.Done():
				done <- runCtx.Err()
			case <-time.After(2 * time.Second):
				done <- nil
			}
		},
	})

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("want deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout never fired")
	}
}
