package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nimbus-hpc/slurmbridge/cli/log"
	"github.com/nimbus-hpc/slurmbridge/confgen"
	"github.com/nimbus-hpc/slurmbridge/hostlist"
)

var keepAliveCmd = &cobra.Command{
	Use:   "keep-alive",
	Short: "Exclude nodes from scheduler-driven suspend",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		names, err := hostlist.Expand(lo.Must(cmd.Flags().GetString("node-list")))
		if err != nil {
			return err
		}

		remove := lo.Must(cmd.Flags().GetBool("remove"))
		set := lo.Must(cmd.Flags().GetBool("set"))
		if remove && set {
			return fmt.Errorf("--remove and --set are mutually exclusive")
		}
		mode := confgen.Add
		if remove {
			mode = confgen.Remove
		} else if set {
			mode = confgen.Set
		}

		current, err := slurmClient.CurrentSuspendExcNodes(ctx)
		if err != nil {
			return err
		}

		path := lo.Must(cmd.Flags().GetString("output"))
		if path == "" {
			path = filepath.Join(cluster.SchedDir, "keep_alive.conf")
		}

		line := confgen.SuspendExcLine(current, names, mode)
		if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write '%s': %w", path, err)
		}
		log.Info("Updated suspend exclusions", "file", path)

		return slurmClient.Reconfigure(ctx)
	},
}

func init() {
	keepAliveCmd.Flags().String("node-list", "", "hostlist expression of the nodes")
	lo.Must0(keepAliveCmd.MarkFlagRequired("node-list"))
	keepAliveCmd.Flags().Bool("remove", false, "remove the nodes from the exclusion set")
	keepAliveCmd.Flags().Bool("set", false, "replace the exclusion set with the nodes")
	keepAliveCmd.Flags().String("output", "", "exclusion file to write (defaults to <sched_dir>/keep_alive.conf)")
}
