package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("slurmbridge %s (%s)\n", version, commit)
	},
}
