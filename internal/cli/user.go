package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/auth"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard accounts",
	}

	var (
		roles     string
		scheme    string
		hashGiven string
	)
	put := &cobra.Command{
		Use:   "put <username> [password]",
		Short: "Create or replace an account (reads the password from stdin without an argument)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed []auth.Role
			for _, name := range strings.Split(roles, ",") {
				if strings.TrimSpace(name) == "" {
					continue
				}
				r, ok := auth.ParseRole(name)
				if !ok {
					return fmt.Errorf("unknown role %q (known: %s)", strings.TrimSpace(name), knownRoles())
				}
				parsed = append(parsed, r)
			}

			hash := hashGiven
			if hash == "" {
				s, err := auth.ParseScheme(scheme)
				if err != nil {
					return err
				}
				password, err := passwordArg(cmd, args[1:])
				if err != nil {
					return err
				}
				if hash, err = auth.HashPassword(password, s); err != nil {
					return err
				}
			}

			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.PutCredential(cmd.Context(), args[0], hash, parsed); err != nil {
				return fmt.Errorf("put user: %w", err)
			}
			a.logger.Info("account stored", slog.String("username", args[0]), slog.Int("roles", len(parsed)))
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
	put.Flags().StringVar(&roles, "roles", "", "Comma-separated roles the account may use, from "+knownRoles()+" (empty allows all)")
	put.Flags().StringVar(&scheme, "scheme", string(auth.SchemeArgon2id), "Hash scheme (sha256, bcrypt, argon2id)")
	put.Flags().StringVar(&hashGiven, "password-hash", "", "Store this hash instead of hashing a password")

	disable := &cobra.Command{
		Use:   "disable <username>",
		Short: "Block an account without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DisableCredential(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("disable %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(put, disable)
	return cmd
}

func knownRoles() string {
	names := make([]string, 0, len(auth.Roles()))
	for _, r := range auth.Roles() {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}
