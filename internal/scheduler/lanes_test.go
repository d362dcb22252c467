package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_SerializesWithinSession(t *testing.T) {
	s := New(DefaultGlobalLanes())
	defer s.Stop()

	var inFlight, maxInFlight int32
	var order []int
	var mu sync.Mutex

	var chans []<-chan Outcome
	for i := 0; i < 10; i++ {
		i := i
		chans = append(chans, s.Submit(context.Background(), "alice", "default", func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxInFlight) {
				atomic.StoreInt32(&maxInFlight, n)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			return nil
		}))
	}
	for _, ch := range chans {
		if out := <-ch; out.Err != nil {
			t.Fatalf("task failed: %v", out.Err)
		}
	}

	if maxInFlight != 1 {
		t.Errorf("max in-flight within one session = %d, want 1", maxInFlight)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("FIFO violated: order = %v", order)
		}
	}
}

func TestSubmit_ParallelAcrossSessions(t *testing.T) {
	s := New([]GlobalLaneConfig{{Label: "default", Width: 8}})
	defer s.Stop()

	started := make(chan string, 2)
	release := make(chan struct{})

	run := func(key string) <-chan Outcome {
		return s.Submit(context.Background(), key, "default", func(ctx context.Context) error {
			started <- key
			<-release
			return nil
		})
	}
	a := run("alice")
	b := run("bob")

	// Both sessions must start without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("sessions did not run in parallel")
		}
	}
	close(release)
	<-a
	<-b
}

func TestSubmit_GlobalLaneBoundsConcurrency(t *testing.T) {
	s := New([]GlobalLaneConfig{{Label: "llm", Width: 2}})
	defer s.Stop()

	var inFlight, maxInFlight int32
	var chans []<-chan Outcome
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		chans = append(chans, s.Submit(context.Background(), key, "llm", func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}))
	}
	for _, ch := range chans {
		<-ch
	}
	if maxInFlight > 2 {
		t.Errorf("global lane width exceeded: max in-flight = %d", maxInFlight)
	}
}

func TestSubmit_NestedSameLaneShortCircuits(t *testing.T) {
	s := New(DefaultGlobalLanes())
	defer s.Stop()

	out := <-s.Submit(context.Background(), "alice", "default", func(ctx context.Context) error {
		// Without the short-circuit this deadlocks: the nested submit
		// would queue behind the running task forever.
		inner := <-s.Submit(ctx, "alice", "default", func(ctx context.Context) error {
			return nil
		})
		return inner.Err
	})
	if out.Err != nil {
		t.Fatalf("nested submit failed: %v", out.Err)
	}
}

func TestSubmit_CancelledQueuedWorkIsDrained(t *testing.T) {
	s := New(DefaultGlobalLanes())
	defer s.Stop()

	block := make(chan struct{})
	first := s.Submit(context.Background(), "alice", "default", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second := s.Submit(ctx, "alice", "default", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()
	close(block)

	<-first
	out := <-second
	if out.Err == nil {
		t.Error("cancelled queued task should report its context error")
	}
	if ran.Load() {
		t.Error("cancelled queued task must not run")
	}
}

func TestSubmit_AfterStopReturnsErrStopped(t *testing.T) {
	s := New(DefaultGlobalLanes())
	s.Stop()

	out := <-s.Submit(context.Background(), "alice", "default", func(ctx context.Context) error {
		t.Error("task must not run after Stop")
		return nil
	})
	if !errors.Is(out.Err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", out.Err)
	}
}

func TestStop_ConcurrentWithSubmit(t *testing.T) {
	// Shutdown racing a burst of submissions must never panic; every
	// submission either runs or reports ErrStopped, and every submitter
	// receives exactly one outcome.
	for round := 0; round < 25; round++ {
		s := New(DefaultGlobalLanes())

		var wg sync.WaitGroup
		for g := 0; g < 6; g++ {
			key := string(rune('a' + g))
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					out := <-s.Submit(context.Background(), key, "default", func(ctx context.Context) error {
						return nil
					})
					if out.Err != nil && !errors.Is(out.Err, ErrStopped) {
						t.Errorf("unexpected error: %v", out.Err)
					}
				}
			}()
		}
		go s.Stop()
		wg.Wait()
		s.Stop()
	}
}
