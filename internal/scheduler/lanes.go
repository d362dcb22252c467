// Package scheduler provides lane-based execution: per-session FIFO lanes
// that serialize all work for one conversation, gated by a global lane that
// bounds total in-flight calls per provider class.
//
// Every submission acquires the session lane first, then the global lane,
// releasing in reverse. One session never runs two turns concurrently;
// distinct sessions proceed in parallel up to the global lane's width.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// ErrStopped is reported for submissions that arrive after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Outcome carries the result of a scheduled task to the submitter.
type Outcome struct {
	Err error
}

// TaskFunc is the work body. It runs while both lanes are held.
type TaskFunc func(ctx context.Context) error

// GlobalLaneConfig describes one global lane.
type GlobalLaneConfig struct {
	Label string
	Width int     // max in-flight tasks (default 4)
	RPS   float64 // optional pacing, requests per second (0 = unpaced)
}

// DefaultGlobalLanes returns the standard lane set: one catch-all lane.
func DefaultGlobalLanes() []GlobalLaneConfig {
	return []GlobalLaneConfig{{Label: "default", Width: 4}}
}

type globalLane struct {
	slots chan struct{}
	pacer *rate.Limiter
}

type job struct {
	ctx  context.Context
	fn   TaskFunc
	done chan Outcome
}

type sessionLane struct {
	queue chan *job
}

// Scheduler owns the lane families.
type Scheduler struct {
	mu       sync.Mutex
	sessions map[string]*sessionLane
	globals  map[string]*globalLane
	closed   bool
	done     chan struct{}
	senders  sync.WaitGroup // Submits past the closed check but not yet enqueued
	wg       sync.WaitGroup
}

// laneKeyType marks a context as already running on a session lane, so
// nested submissions to the same lane execute directly instead of
// deadlocking behind themselves.
type laneKeyType struct{}

func laneKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(laneKeyType{}).(string); ok {
		return v
	}
	return ""
}

// New creates a scheduler with the given global lanes.
func New(globals []GlobalLaneConfig) *Scheduler {
	s := &Scheduler{
		sessions: make(map[string]*sessionLane),
		globals:  make(map[string]*globalLane),
		done:     make(chan struct{}),
	}
	for _, g := range globals {
		width := g.Width
		if width <= 0 {
			width = 4
		}
		gl := &globalLane{slots: make(chan struct{}, width)}
		if g.RPS > 0 {
			gl.pacer = rate.NewLimiter(rate.Limit(g.RPS), 1)
		}
		s.globals[g.Label] = gl
	}
	if _, ok := s.globals["default"]; !ok {
		s.globals["default"] = &globalLane{slots: make(chan struct{}, 4)}
	}
	return s
}

// Submit enqueues fn on the session lane for sessionKey, gated by the named
// global lane. The returned channel receives exactly one Outcome.
//
// Submissions made from within a task already holding the same session lane
// run inline (the lane is re-entrant by short-circuit, not by queueing).
func (s *Scheduler) Submit(ctx context.Context, sessionKey, globalLabel string, fn TaskFunc) <-chan Outcome {
	done := make(chan Outcome, 1)

	if laneKeyFrom(ctx) == sessionKey {
		// Nested submission to the held lane: execute directly.
		done <- Outcome{Err: s.runGated(ctx, globalLabel, fn)}
		return done
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- Outcome{Err: ErrStopped}
		return done
	}
	lane, ok := s.sessions[sessionKey]
	if !ok {
		lane = &sessionLane{queue: make(chan *job, 64)}
		s.sessions[sessionKey] = lane
		s.wg.Add(1)
		go s.consume(lane)
	}
	// Registering under the lock means Stop either sees this sender and
	// waits for its enqueue, or the closed check above already refused it.
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	j := &job{ctx: context.WithValue(ctx, laneKeyType{}, sessionKey), fn: fn, done: done}
	j.ctx = context.WithValue(j.ctx, globalKeyType{}, globalLabel)

	select {
	case lane.queue <- j:
	case <-ctx.Done():
		done <- Outcome{Err: ctx.Err()}
	case <-s.done:
		done <- Outcome{Err: ErrStopped}
	}
	return done
}

type globalKeyType struct{}

// consume is the single consumer for one session lane. Strict FIFO; queued
// work whose context was cancelled is drained without running. On shutdown
// the queue drains fully before the consumer exits, so every submitter that
// enqueued gets its Outcome.
func (s *Scheduler) consume(lane *sessionLane) {
	defer s.wg.Done()
	for {
		select {
		case j := <-lane.queue:
			s.dispatch(j)
		case <-s.done:
			for {
				select {
				case j := <-lane.queue:
					s.dispatch(j)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) dispatch(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- Outcome{Err: err}
		return
	}
	label, _ := j.ctx.Value(globalKeyType{}).(string)
	j.done <- Outcome{Err: s.runGated(j.ctx, label, j.fn)}
}

// runGated acquires the global lane (pacer, then slot), runs fn, releases.
func (s *Scheduler) runGated(ctx context.Context, label string, fn TaskFunc) error {
	s.mu.Lock()
	gl, ok := s.globals[label]
	if !ok {
		gl = s.globals["default"]
	}
	s.mu.Unlock()

	if gl.pacer != nil {
		if err := gl.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case gl.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-gl.slots }()

	return fn(ctx)
}

// Stop shuts the scheduler down and waits for in-flight work to finish.
// Queued work still drains (with its own contexts deciding whether it runs);
// later submissions report ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Every Submit that slipped past the closed check has either enqueued
	// or observed done by the time the consumers are released to exit.
	s.senders.Wait()
	close(s.done)
	s.wg.Wait()
	slog.Debug("scheduler stopped")
}
