package cron

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestScheduleNext(t *testing.T) {
	ref := time.Date(2026, 1, 2, 12, 3, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule Schedule
		want     time.Time
	}{
		{
			"future at",
			Schedule{Kind: ScheduleAt, At: ref.Add(time.Hour)},
			ref.Add(time.Hour),
		},
		{
			"spent at",
			Schedule{Kind: ScheduleAt, At: ref.Add(-time.Hour)},
			time.Time{},
		},
		{
			"every five minutes",
			Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"},
			time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC),
		},
		{
			"daily at nine",
			Schedule{Kind: ScheduleCron, Expr: "0 9 * * *"},
			time.Date(2026, 1, 3, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.schedule.Next(ref)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{"valid cron", Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"}, false},
		{"valid at", Schedule{Kind: ScheduleAt, At: time.Now().Add(time.Hour)}, false},
		{"bad expression", Schedule{Kind: ScheduleCron, Expr: "not a cron"}, true},
		{"bad timezone", Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", Timezone: "Mars/Olympus"}, true},
		{"zero at", Schedule{Kind: ScheduleAt}, true},
		{"unknown kind", Schedule{Kind: "weekly"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/cron.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	last := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	job := &Job{
		ID:      "job-1",
		Name:    "morning briefing",
		Enabled: true,
		Schedule: Schedule{
			Kind:     ScheduleCron,
			Expr:     "0 9 * * *",
			Timezone: "UTC",
		},
		SessionTarget: "telegram:direct:5",
		WakeMode:      "now",
		Payload: Payload{
			Kind:    PayloadAgentTurn,
			Message: "Summarize yesterday's progress.",
			Channel: "telegram",
			ChatID:  "5",
			TopicID: "12",
		},
		DeliveryPolicy: DeliverAnnounce,
		DeleteAfterRun: false,
		State:          State{NextRunAt: &next, LastRunAt: &last},
	}

	if err := store.Put(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, job) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, job)
	}

	// Put is an upsert.
	job.Name = "evening briefing"
	if err := store.Put(ctx, job); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "evening briefing" {
		t.Errorf("name after upsert = %q", got.Name)
	}

	if err := store.Delete(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "job-1"); err != ErrNotFound {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "job-1"); err != ErrNotFound {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Due(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/cron.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	put := func(id string, enabled bool, next *time.Time) {
		t.Helper()
		err := store.Put(ctx, &Job{
			ID: id, Name: id, Enabled: enabled,
			Schedule: Schedule{Kind: ScheduleCron, Expr: "* * * * *"},
			Payload:  Payload{Kind: PayloadAgentTurn, Message: "m"},
			State:    State{NextRunAt: next},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	put("due", true, &past)
	put("not-yet", true, &future)
	put("disabled", false, &past)
	put("spent", true, nil)

	due, err := store.Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Errorf("due = %+v, want only the past enabled job", due)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("list = %d jobs, want 4", len(all))
	}
}
