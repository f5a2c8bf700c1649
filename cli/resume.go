package main

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nimbus-hpc/slurmbridge/cli/ui"
	"github.com/nimbus-hpc/slurmbridge/hostlist"
	"github.com/nimbus-hpc/slurmbridge/namegen"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Create and boot the requested nodes",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}
		ctx := cmd.Context()

		names, err := hostlist.Expand(lo.Must(cmd.Flags().GetString("node-list")))
		if err != nil {
			return err
		}

		parts, err := fetchPartitions(ctx, true)
		if err != nil {
			return err
		}

		wait := !lo.Must(cmd.Flags().GetBool("no-wait"))
		var spinner *ui.Spinner
		if wait {
			spinner = ui.NewSpinner(fmt.Sprintf("Resuming %d node(s)...", len(names)))
		}

		opID, err := newEngine().Resume(ctx, names, parts, wait)
		if err != nil {
			spinner.Fail(fmt.Sprintf("Resume failed: %v", err))
			return err
		}
		spinner.Success(fmt.Sprintf("Resume complete (operation %s)", opID))

		cmd.Println(opID)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for already-booting nodes to settle",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}

		names, err := hostlist.Expand(lo.Must(cmd.Flags().GetString("node-list")))
		if err != nil {
			return err
		}

		spinner := ui.NewSpinner(fmt.Sprintf("Waiting for %d node(s)...", len(names)))
		if err := newEngine().WaitForResume(cmd.Context(), namegen.Operation().String(), names); err != nil {
			spinner.Fail(fmt.Sprintf("Wait failed: %v", err))
			return err
		}
		spinner.Success("All nodes settled")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{resumeCmd, waitCmd} {
		cmd.Flags().String("node-list", "", "hostlist expression of the nodes")
		lo.Must0(cmd.MarkFlagRequired("node-list"))
	}
	resumeCmd.Flags().Bool("no-wait", false, "return as soon as the bootup is requested")
}
