package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/sanitize"
)

func newHashCmd(a *app) *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Hash a password for the credentials table (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := auth.ParseScheme(scheme)
			if err != nil {
				return err
			}
			password, err := passwordArg(cmd, args)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password, s)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", string(auth.SchemeArgon2id), "Hash scheme (sha256, bcrypt, argon2id)")
	return cmd
}

func passwordArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", errors.New("empty password")
	}
	return line, nil
}

func newValidateCmd(a *app) *cobra.Command {
	var kind string
	var required bool
	cmd := &cobra.Command{
		Use:   "validate <value>",
		Short: "Run the input validator on a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := sanitize.ParseKind(kind)
			if !ok {
				return fmt.Errorf("unsupported kind %q", kind)
			}
			res := sanitize.Validate(args[0], k, sanitize.Options{Required: required})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sanitized: %s\n", res.Sanitized)
			if res.Valid {
				fmt.Fprintln(out, "Valid:     yes")
				return nil
			}
			fmt.Fprintln(out, "Valid:     no")
			for _, msg := range res.Errors {
				fmt.Fprintf(out, "  - %s\n", msg)
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "text", "Input kind (text, username, password, email, number)")
	cmd.Flags().BoolVar(&required, "required", false, "Reject empty values")
	return cmd
}
