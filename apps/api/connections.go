package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"konnect/apps/api/config"
	"konnect/apps/api/models"
	"konnect/libs/go/logging"
)

func newConnectionsCommand(logger *logging.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage saved connection profiles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved connection profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, config.Get(), logger)
			if err != nil {
				return err
			}
			defer closeStore()

			conns, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tTARGET")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.ConnectionType, target(c))
			}
			return w.Flush()
		},
	})
	return cmd
}

func target(c models.Connection) string {
	if c.SshConfig == nil {
		return "-"
	}
	return fmt.Sprintf("%s@%s:%d", c.SshConfig.Username, c.SshConfig.Host, c.SshConfig.PortOrDefault())
}
