package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/boardroom/internal/store/pg"
)

// migrateCmd manages the managed-mode Postgres schema. The DSN comes from
// BOARDROOM_POSTGRES_DSN only; it never lives in the config file.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema (managed mode)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := migrateDSN()
			if err != nil {
				return err
			}
			if err := pg.Migrate(dsn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back one migration step",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := migrateDSN()
			if err != nil {
				return err
			}
			if err := pg.MigrateDown(dsn); err != nil {
				return err
			}
			fmt.Println("rolled back one step")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := migrateDSN()
			if err != nil {
				return err
			}
			v, dirty, err := pg.MigrateVersion(dsn)
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	})

	return cmd
}

func migrateDSN() (string, error) {
	dsn := os.Getenv("BOARDROOM_POSTGRES_DSN")
	if dsn == "" {
		return "", errors.New("BOARDROOM_POSTGRES_DSN is not set")
	}
	return dsn, nil
}
