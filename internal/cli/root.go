// Package cli implements guardctl, the operator tool for the guard's
// PostgreSQL store.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/store/pg"
)

// Env carries the process edges so commands can be driven from tests.
type Env struct {
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	OpenDB func(ctx context.Context, dsn string) (*sql.DB, error)
}

// DefaultEnv wires the real stdio and the pgx driver.
func DefaultEnv() Env {
	return Env{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
		OpenDB: func(ctx context.Context, dsn string) (*sql.DB, error) {
			st, err := pg.Open(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return st.DB(), nil
		},
	}
}

type app struct {
	env       Env
	dsn       string
	debug     bool
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

func (a *app) store(ctx context.Context) (*pg.Store, error) {
	if a.dsn == "" {
		return nil, errors.New("missing DSN: provide --dsn or GUARD_PG_DSN")
	}
	db, err := a.env.OpenDB(ctx, a.dsn)
	if err != nil {
		return nil, err
	}
	return pg.New(db)
}

// NewRootCmd builds the guardctl command tree.
func NewRootCmd(env Env) *cobra.Command {
	a := &app{env: env}
	root := &cobra.Command{
		Use:   "guardctl",
		Short: "Operate the guard credential and audit store",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if a.debug {
				a.logLevel = "debug"
			}
			a.logger = obs.NewLogger(obs.ParseLevel(a.logLevel), a.logFormat, env.Err)
		},
		SilenceUsage: true,
	}
	root.SetIn(env.In)
	root.SetOut(env.Out)
	root.SetErr(env.Err)

	root.PersistentFlags().StringVar(&a.dsn, "dsn", os.Getenv("GUARD_PG_DSN"), "PostgreSQL DSN (or GUARD_PG_DSN env)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newHashCmd(a),
		newValidateCmd(a),
		newMigrateCmd(a),
		newUserCmd(a),
		newLockoutCmd(a),
		newAuditCmd(a),
	)
	return root
}
