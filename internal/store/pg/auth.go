package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/boardroom/internal/auth"
	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// AuthStore is the managed-mode auth.Store: profile declarations come from
// config, cooldown state lives in Postgres. Reads are served from an
// in-memory mirror; mutations write through. The table holds state only,
// never credentials.
type AuthStore struct {
	mu       sync.Mutex
	db       *sql.DB
	profiles map[string]*auth.Profile
	policy   auth.CooldownPolicy

	now func() time.Time
}

// NewAuthStore builds the store from configured specs and merges persisted
// cooldown state from the database.
func NewAuthStore(db *sql.DB, specs []config.AuthProfileSpec, policy auth.CooldownPolicy) (*AuthStore, error) {
	s := &AuthStore{
		db:       db,
		profiles: make(map[string]*auth.Profile, len(specs)),
		policy:   policy,
		now:      time.Now,
	}
	for _, spec := range specs {
		s.profiles[spec.ID] = &auth.Profile{
			ID:            spec.ID,
			Provider:      spec.Provider,
			CredentialRef: spec.CredentialRef,
			Disabled:      spec.Disabled,
		}
	}
	if err := s.loadState(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuthStore) loadState(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cooldown_until, last_used_at, consecutive_failures FROM auth_profiles`)
	if err != nil {
		return fmt.Errorf("load auth state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var cooldown, lastUsed sql.NullTime
		var failures int
		if err := rows.Scan(&id, &cooldown, &lastUsed, &failures); err != nil {
			return fmt.Errorf("scan auth state: %w", err)
		}
		p, ok := s.profiles[id]
		if !ok {
			// Row for a profile no longer in config; harmless.
			continue
		}
		if cooldown.Valid {
			p.CooldownUntil = cooldown.Time
		}
		if lastUsed.Valid {
			p.LastUsedAt = lastUsed.Time
		}
		p.ConsecutiveFailures = failures
	}
	return rows.Err()
}

// persistLocked writes one profile's state through to the database.
// Caller holds mu.
func (s *AuthStore) persistLocked(p *auth.Profile) error {
	_, err := s.db.Exec(`
		INSERT INTO auth_profiles (id, cooldown_until, last_used_at, consecutive_failures, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			cooldown_until = EXCLUDED.cooldown_until,
			last_used_at = EXCLUDED.last_used_at,
			consecutive_failures = EXCLUDED.consecutive_failures,
			updated_at = EXCLUDED.updated_at`,
		p.ID, nullTime(p.CooldownUntil), nullTime(p.LastUsedAt), p.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("persist auth profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *AuthStore) Order(provider, preferred string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]auth.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		all = append(all, *p)
	}
	return auth.OrderProfiles(all, provider, preferred, s.now())
}

func (s *AuthStore) Get(id string) (auth.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return auth.Profile{}, false
	}
	return *p, true
}

func (s *AuthStore) MarkGood(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil
	}
	p.ConsecutiveFailures = 0
	p.CooldownUntil = time.Time{}
	return s.persistLocked(p)
}

func (s *AuthStore) MarkUsed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return
	}
	p.LastUsedAt = s.now()
	if err := s.persistLocked(p); err != nil {
		slog.Warn("auth: mark used persist failed", "profile", id, "error", err)
	}
}

func (s *AuthStore) MarkFailure(id string, reason auth.FailureReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return
	}
	p.ConsecutiveFailures++
	hold := s.policy.Duration(reason, p.ConsecutiveFailures)
	until := s.now().Add(hold)
	// Cooldown deadlines only move forward.
	if until.After(p.CooldownUntil) {
		p.CooldownUntil = until
	}
	if err := s.persistLocked(p); err != nil {
		slog.Warn("auth: mark failure persist failed", "profile", id, "error", err)
	}
	slog.Info("auth profile cooldown",
		"profile", id, "reason", string(reason),
		"failures", p.ConsecutiveFailures, "until", p.CooldownUntil)
}

func (s *AuthStore) InCooldown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return false
	}
	return !p.Usable(s.now()) && !p.Disabled
}

// Close is a no-op; the shared pool is owned by the factory.
func (s *AuthStore) Close() error {
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
