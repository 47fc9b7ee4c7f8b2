package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/migrate"
	"ironwatch.dev/internal/store/pg"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	manager := func(cmd *cobra.Command) (*migrate.Manager, func(), error) {
		st, err := a.store(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		return migrate.NewManager(st.DB(), pg.Migrations(), pg.Seeds()), func() { _ = st.Close() }, nil
	}

	list := func(items []string, empty string, cmd *cobra.Command) {
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), empty)
			return
		}
		for _, item := range items {
			fmt.Fprintln(cmd.OutOrStdout(), item)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, done, err := manager(cmd)
				if err != nil {
					return err
				}
				defer done()
				applied, err := mgr.Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				a.logger.Info("migrations applied", slog.Int("count", len(applied)))
				list(applied, "schema is up to date", cmd)
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, done, err := manager(cmd)
				if err != nil {
					return err
				}
				defer done()
				name, err := mgr.Down(cmd.Context())
				if errors.Is(err, migrate.ErrNothingApplied) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
					return nil
				}
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, done, err := manager(cmd)
				if err != nil {
					return err
				}
				defer done()
				history, err := mgr.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				list(history, "no migrations applied", cmd)
				return nil
			},
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List migrations not yet applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, done, err := manager(cmd)
				if err != nil {
					return err
				}
				defer done()
				pending, err := mgr.Pending(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate pending: %w", err)
				}
				list(pending, "nothing pending", cmd)
				return nil
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load the demo accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, done, err := manager(cmd)
				if err != nil {
					return err
				}
				defer done()
				seeded, err := mgr.Seed(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate seed: %w", err)
				}
				list(seeded, "seeds already loaded", cmd)
				return nil
			},
		},
	)
	return cmd
}
