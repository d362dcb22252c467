package pg

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/boardroom/internal/auth"
	"github.com/nextlevelbuilder/boardroom/internal/config"
)

// Stores bundles the Postgres-backed stores sharing one connection pool.
type Stores struct {
	Auth *AuthStore
	Cron *CronStore

	db *sql.DB
}

// NewStores opens Postgres, applies migrations, and builds the managed-mode
// stores. The DSN must come from the environment; the config file never
// carries it.
func NewStores(cfg *config.Config, policy auth.CooldownPolicy) (*Stores, error) {
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return nil, errors.New("managed mode needs BOARDROOM_POSTGRES_DSN")
	}
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	authStore, err := NewAuthStore(db, cfg.Auth.Profiles, policy)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build auth store: %w", err)
	}
	return &Stores{
		Auth: authStore,
		Cron: NewCronStore(db),
		db:   db,
	}, nil
}

// Close releases the shared pool.
func (s *Stores) Close() error {
	return s.db.Close()
}
