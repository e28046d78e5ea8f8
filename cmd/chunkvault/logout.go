package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLogoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the locally cached principal",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runLogout(e)
		}),
	}
}

func runLogout(e *env) error {
	if err := os.Remove(e.home.TokenPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("not logged in")
			return nil
		}
		return fmt.Errorf("remove token file: %w", err)
	}
	fmt.Println("logged out")
	return nil
}
