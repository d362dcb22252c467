// Package cron durably schedules future agent turns: one-shot "at" jobs and
// recurring cron-expression jobs, fired by a tick loop and dispatched into
// the regular turn pipeline.
package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ScheduleKind selects the schedule variant.
type ScheduleKind string

const (
	ScheduleAt   ScheduleKind = "at"   // one instant
	ScheduleCron ScheduleKind = "cron" // recurring expression
)

// Schedule is when a job fires. Cron expressions evaluate in Timezone
// (UTC when empty).
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       time.Time    `json:"at,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
}

// Validate rejects malformed schedules before they reach the store.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At.IsZero() {
			return errors.New("at schedule needs an instant")
		}
	case ScheduleCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the first fire time strictly after the given instant. A zero
// time means the schedule has no further runs (a spent one-shot).
func (s Schedule) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleAt:
		if s.At.After(after) {
			return s.At, nil
		}
		return time.Time{}, nil
	case ScheduleCron:
		loc := time.UTC
		if s.Timezone != "" {
			l, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(s.Expr, after.In(loc), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("next tick for %q: %w", s.Expr, err)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

// Payload kinds.
const (
	PayloadAgentTurn   = "agent_turn"   // synthesize a user turn
	PayloadSystemEvent = "system_event" // inject a system event into the session
)

// Payload is what a firing job injects into the pipeline.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	TopicID string `json:"topicId,omitempty"`
}

// Delivery policies for the job's result.
const (
	DeliverAnnounce = "announce" // send the reply to the configured channel
	DeliverSilent   = "silent"   // run the turn, log only
)

// State is the job's mutable scheduling state. A nil NextRunAt means the job
// will never fire again.
type State struct {
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// Job is one durable scheduled turn.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	SessionTarget  string   `json:"sessionTarget,omitempty"` // explicit session key, "" derives one per run
	WakeMode       string   `json:"wakeMode,omitempty"`      // "now" (default) or "next-heartbeat"
	Payload        Payload  `json:"payload"`
	DeliveryPolicy string   `json:"deliveryPolicy,omitempty"` // default "announce"
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          State    `json:"state"`
}

// Due reports whether the job should fire at the given instant.
func (j *Job) Due(now time.Time) bool {
	return j.Enabled && j.State.NextRunAt != nil && !j.State.NextRunAt.After(now)
}
