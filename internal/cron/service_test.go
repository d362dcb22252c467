package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/config"
)

type firedJobs struct {
	mu   sync.Mutex
	jobs []Job
}

func (f *firedJobs) handler(ctx context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *firedJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestService(t *testing.T, at time.Time) (*Service, *firedJobs, *time.Time) {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir() + "/cron.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clock := at
	fired := &firedJobs{}
	svc := NewService(config.Default(), store, fired.handler)
	svc.now = func() time.Time { return clock }
	return svc, fired, &clock
}

func TestService_RecurringJobAdvances(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 3, 0, 0, time.UTC)
	svc, fired, clock := newTestService(t, start)
	ctx := context.Background()

	job, err := svc.Add(ctx, Job{
		Name:     "every five",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"},
		Payload:  Payload{Message: "check in"},
	})
	if err != nil {
		t.Fatal(err)
	}
	wantNext := time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC)
	if !job.State.NextRunAt.Equal(wantNext) {
		t.Fatalf("initial next = %v, want %v", job.State.NextRunAt, wantNext)
	}

	// Not due yet.
	if n := svc.runDue(ctx, *clock); n != 0 {
		t.Fatalf("fired %d jobs before due time", n)
	}

	*clock = time.Date(2026, 1, 2, 12, 6, 0, 0, time.UTC)
	if n := svc.runDue(ctx, *clock); n != 1 {
		t.Fatalf("fired %d jobs, want 1", n)
	}
	if fired.count() != 1 || fired.jobs[0].Payload.Message != "check in" {
		t.Errorf("handler saw %+v", fired.jobs)
	}

	// Schedule advanced past the fire time and the run was stamped.
	got, err := svc.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.State.NextRunAt.Equal(time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC)) {
		t.Errorf("next after fire = %v", got.State.NextRunAt)
	}
	if got.State.LastRunAt == nil || !got.State.LastRunAt.Equal(*clock) {
		t.Errorf("last run = %v", got.State.LastRunAt)
	}

	// Same tick again: nothing due.
	if n := svc.runDue(ctx, *clock); n != 0 {
		t.Errorf("refired %d jobs in the same slot", n)
	}
}

func TestService_OneShotDeleteAfterRun(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	svc, fired, clock := newTestService(t, start)
	ctx := context.Background()

	job, err := svc.Add(ctx, Job{
		Name:           "reminder",
		Enabled:        true,
		Schedule:       Schedule{Kind: ScheduleAt, At: start.Add(time.Minute)},
		Payload:        Payload{Message: "ping"},
		DeleteAfterRun: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	*clock = start.Add(2 * time.Minute)
	if n := svc.runDue(ctx, *clock); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	if fired.count() != 1 {
		t.Fatal("handler not called")
	}
	if _, err := svc.store.Get(ctx, job.ID); err != ErrNotFound {
		t.Errorf("one-shot survived: %v", err)
	}
}

func TestService_OneShotWithoutDeleteGoesDormant(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	svc, _, clock := newTestService(t, start)
	ctx := context.Background()

	job, err := svc.Add(ctx, Job{
		Name:     "once",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleAt, At: start.Add(time.Minute)},
		Payload:  Payload{Message: "ping"},
	})
	if err != nil {
		t.Fatal(err)
	}

	*clock = start.Add(2 * time.Minute)
	svc.runDue(ctx, *clock)

	got, err := svc.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.NextRunAt != nil {
		t.Errorf("spent one-shot still has next = %v", got.State.NextRunAt)
	}
	if n := svc.runDue(ctx, clock.Add(time.Hour)); n != 0 {
		t.Errorf("dormant job refired %d times", n)
	}
}

func TestService_AddRejectsBadJobs(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, start)
	ctx := context.Background()

	if _, err := svc.Add(ctx, Job{
		Name:     "past",
		Schedule: Schedule{Kind: ScheduleAt, At: start.Add(-time.Hour)},
		Payload:  Payload{Message: "m"},
	}); err == nil {
		t.Error("want error for a spent one-shot")
	}

	if _, err := svc.Add(ctx, Job{
		Name:     "empty",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *"},
	}); err == nil {
		t.Error("want error for an agent turn without a message")
	}
}

func TestService_SetEnabled(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 3, 0, 0, time.UTC)
	svc, fired, clock := newTestService(t, start)
	ctx := context.Background()

	job, err := svc.Add(ctx, Job{
		Name:     "toggle",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"},
		Payload:  Payload{Message: "m"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.SetEnabled(ctx, job.ID, false); err != nil {
		t.Fatal(err)
	}
	*clock = start.Add(time.Hour)
	if n := svc.runDue(ctx, *clock); n != 0 {
		t.Fatalf("disabled job fired %d times", n)
	}

	// Re-enabling recomputes from now; the missed hour does not replay.
	if err := svc.SetEnabled(ctx, job.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := svc.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.State.NextRunAt.Equal(time.Date(2026, 1, 2, 13, 5, 0, 0, time.UTC)) {
		t.Errorf("next after re-enable = %v", got.State.NextRunAt)
	}

	*clock = clock.Add(6 * time.Minute)
	if n := svc.runDue(ctx, *clock); n != 1 || fired.count() != 1 {
		t.Errorf("re-enabled job fired %d times", n)
	}
}
