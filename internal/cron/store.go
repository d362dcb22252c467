package cron

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("cron: job not found")

// Store durably holds jobs keyed by id. Writes are write-through: a restart
// must see every mutation that returned without error.
type Store interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Job, error)
	Due(ctx context.Context, now time.Time) ([]*Job, error)
	Close() error
}
