package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// Handler dispatches one firing job into the turn pipeline.
type Handler func(ctx context.Context, job Job) error

// Service owns the tick loop: it loads due jobs from the store, dispatches
// them, and writes the recomputed schedule back before the next tick.
type Service struct {
	cfg     *config.Config
	store   Store
	handler Handler
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the scheduler. The handler must be safe for sequential
// calls from the tick goroutine.
func NewService(cfg *config.Config, store Store, handler Handler) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		handler: handler,
		now:     time.Now,
	}
}

// Add validates the job, fills defaults, computes the first fire time, and
// persists it. A job with no id gets one.
func (s *Service) Add(ctx context.Context, job Job) (*Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return nil, err
	}
	if job.Payload.Kind == "" {
		job.Payload.Kind = PayloadAgentTurn
	}
	if job.Payload.Kind == PayloadAgentTurn && job.Payload.Message == "" {
		return nil, fmt.Errorf("agent-turn job needs a message")
	}
	if job.DeliveryPolicy == "" {
		job.DeliveryPolicy = DeliverAnnounce
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	next, err := job.Schedule.Next(s.now())
	if err != nil {
		return nil, err
	}
	if next.IsZero() {
		return nil, fmt.Errorf("schedule for %q has no future run", job.Name)
	}
	job.State.NextRunAt = &next

	if err := s.store.Put(ctx, &job); err != nil {
		return nil, err
	}
	slog.Info("cron job added", "job", job.ID, "name", job.Name, "next", next)
	return &job, nil
}

// Remove deletes a job.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// SetEnabled toggles a job. Re-enabling recomputes the next fire time so a
// long-disabled job does not fire immediately for every missed slot.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if enabled {
		next, err := job.Schedule.Next(s.now())
		if err != nil {
			return err
		}
		if next.IsZero() {
			job.State.NextRunAt = nil
		} else {
			job.State.NextRunAt = &next
		}
	}
	return s.store.Put(ctx, job)
}

// List returns all jobs.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.store.List(ctx)
}

// Start launches the tick loop. Stop (or cancelling the parent context)
// shuts it down; the current tick finishes first.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Cron.TickInterval())
		defer ticker.Stop()
		slog.Info("cron scheduler started", "tick", s.cfg.Cron.TickInterval())

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx, s.now())
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// runDue fires every due job once and persists the advanced schedule.
// Returns how many jobs fired.
func (s *Service) runDue(ctx context.Context, now time.Time) int {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		slog.Error("cron: due query failed", "error", err)
		return 0
	}

	fired := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return fired
		}
		s.fire(ctx, job, now)
		fired++
	}
	return fired
}

// fire dispatches one job and advances its schedule. Handler failures are
// logged; the schedule still advances so a broken job cannot hot-loop.
func (s *Service) fire(ctx context.Context, job *Job, now time.Time) {
	slog.Info("cron job firing", "job", job.ID, "name", job.Name)

	if err := s.handler(ctx, *job); err != nil {
		slog.Warn("cron job handler failed", "job", job.ID, "error", err)
	}

	ranAt := now
	job.State.LastRunAt = &ranAt

	next, err := job.Schedule.Next(now)
	if err != nil {
		slog.Error("cron: schedule recompute failed, disabling job", "job", job.ID, "error", err)
		job.Enabled = false
		next = time.Time{}
	}

	if next.IsZero() {
		if job.DeleteAfterRun {
			if err := s.store.Delete(ctx, job.ID); err != nil {
				slog.Warn("cron: delete after run failed", "job", job.ID, "error", err)
			}
			return
		}
		job.State.NextRunAt = nil
	} else {
		job.State.NextRunAt = &next
	}

	if err := s.store.Put(ctx, job); err != nil {
		slog.Error("cron: persist after run failed", "job", job.ID, "error", err)
	}
}
