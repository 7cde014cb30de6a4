package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tgvault/tgvault/internal/telegram"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Terminate the remote session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := resolvedCfg

			client, err := telegram.DialSession(cmd.Context(), cfg.APIID, cfg.APIHash)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Logout(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")

			return nil
		},
	}
}
