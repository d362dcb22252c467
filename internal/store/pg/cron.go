package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/cron"
)

// CronStore is the managed-mode cron.Store. Same shape as the sqlite store:
// full record as JSON, enabled + next_run_at mirrored for the due query.
type CronStore struct {
	db *sql.DB
}

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

func (s *CronStore) Put(ctx context.Context, job *cron.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode cron job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, enabled, data, next_run_at, last_run_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			data = EXCLUDED.data,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, job.Enabled, data,
		timePtr(job.State.NextRunAt), timePtr(job.State.LastRunAt))
	if err != nil {
		return fmt.Errorf("put cron job %s: %w", job.ID, err)
	}
	return nil
}

func (s *CronStore) Get(ctx context.Context, id string) (*cron.Job, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM cron_jobs WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, cron.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job %s: %w", id, err)
	}
	return decodeJob(data)
}

func (s *CronStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cron job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cron.ErrNotFound
	}
	return nil
}

func (s *CronStore) List(ctx context.Context) ([]*cron.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM cron_jobs ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *CronStore) Due(ctx context.Context, now time.Time) ([]*cron.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM cron_jobs
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("query due cron jobs: %w", err)
	}
	return scanJobs(rows)
}

// Close is a no-op; the shared pool is owned by the factory.
func (s *CronStore) Close() error {
	return nil
}

func scanJobs(rows *sql.Rows) ([]*cron.Job, error) {
	defer rows.Close()
	var jobs []*cron.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func decodeJob(data []byte) (*cron.Job, error) {
	var job cron.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode cron job: %w", err)
	}
	return &job, nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
