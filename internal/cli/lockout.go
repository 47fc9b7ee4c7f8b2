package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/auth"
)

func newLockoutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect or clear persisted login lockouts",
	}

	lockout := func(cmd *cobra.Command) (*auth.Lockout, func(), error) {
		st, err := a.store(cmd.Context())
		if err != nil {
			return nil, nil, err
		}
		l := auth.NewLockout(auth.WithLockoutStore(st), auth.WithLockoutLogger(a.logger))
		return l, func() { _ = st.Close() }, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <username>",
			Short: "Show failure count and lock state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				l, done, err := lockout(cmd)
				if err != nil {
					return err
				}
				defer done()
				locked := "no"
				if l.IsLocked(cmd.Context(), args[0]) {
					locked = "yes"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User:     %s\nFailures: %d\nLocked:   %s\n",
					args[0], l.Failures(cmd.Context(), args[0]), locked)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear <username>",
			Short: "Reset the failure counter and lift any lock",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				l, done, err := lockout(cmd)
				if err != nil {
					return err
				}
				defer done()
				l.RecordSuccess(cmd.Context(), args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
