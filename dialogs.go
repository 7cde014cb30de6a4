package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tgvault/tgvault/internal/telegram"
)

func newDialogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dialogs",
		Short: "List conversations visible to the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := resolvedCfg

			client, err := telegram.DialSession(cmd.Context(), cfg.APIID, cfg.APIHash)
			if err != nil {
				return err
			}
			defer client.Close()

			dialogs, err := client.Dialogs(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tNAME")

			for _, d := range dialogs {
				name := d.Name
				if d.Forbidden {
					name += " (inaccessible)"
				}

				fmt.Fprintf(w, "%d\t%s\t%s\n", d.ID, d.Kind, name)
			}

			return w.Flush()
		},
	}
}
