package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/audit"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read persisted audit events",
	}

	var (
		event    string
		username string
		since    time.Duration
		limit    int
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print recent events as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := audit.Filter{Username: username, Limit: limit}
			if event != "" {
				k, ok := audit.ParseKind(event)
				if !ok {
					return fmt.Errorf("unknown event %q", event)
				}
				f.Kind = k
			}
			if since > 0 {
				f.Start = time.Now().Add(-since)
			}

			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			events, err := st.RecentEvents(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("read audit events: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	tail.Flags().StringVar(&event, "event", "", "Only this event kind")
	tail.Flags().StringVar(&username, "username", "", "Only events for this user")
	tail.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 1h)")
	tail.Flags().IntVar(&limit, "limit", audit.DefaultQueryLimit, "Maximum events to print")

	cmd.AddCommand(tail)
	return cmd
}
