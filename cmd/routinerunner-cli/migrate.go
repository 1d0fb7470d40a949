package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create storage tables and check the cache connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Building the app initializes storage and pings Redis when configured
			a, err := localApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Storage (%s) migrated and cache (%s) ready\n",
				a.Config.Storage.Type, a.Config.Cache.Type)
			return nil
		},
	}
}
