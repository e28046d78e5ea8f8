package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chunkvault/internal/auth"
)

func newLoginCmd(e *env) *cobra.Command {
	var (
		username string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Cache a local principal for commands run against this home directory",
		Long: "login is a thin stub around the auth.Authenticator interface: it does not\n" +
			"contact a server (there isn't one yet — see internal/wire), it only records\n" +
			"the principal the CLI should act as for subsequent commands.",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runLogin(ctx, e, username, role)
		}),
	}
	cmd.Flags().StringVar(&username, "username", "", "principal ID to cache (required)")
	cmd.Flags().StringVar(&role, "role", "admin", "principal role to cache")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func runLogin(ctx context.Context, e *env, username, role string) error {
	authenticator := auth.StaticAuthenticator{Principal: auth.Principal{ID: username, Role: role}}
	principal, err := authenticator.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	if err := writePrincipal(e, principal); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	fmt.Printf("logged in as %s (role %s)\n", principal.ID, principal.Role)
	return nil
}
