package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/defiant4/organization-management-service/internal/obs"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of omsd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "omsd %s (%s)\n", obs.Version, obs.Commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
