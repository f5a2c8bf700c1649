package main

import (
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nimbus-hpc/slurmbridge/hostlist"
)

func runSuspend(cmd *cobra.Command, args []string) error {
	if err := connectFleet(); err != nil {
		return err
	}

	names, err := hostlist.Expand(lo.Must(cmd.Flags().GetString("node-list")))
	if err != nil {
		return err
	}
	return newEngine().Suspend(cmd.Context(), names)
}

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Power off the requested nodes",
	Args:  cobra.NoArgs,
	RunE:  runSuspend,
}

// The scheduler calls ResumeFailProgram with the nodes a resume could not
// bring up; reclaiming them is the same operation as a suspend.
var resumeFailCmd = &cobra.Command{
	Use:   "resume-fail",
	Short: "Reclaim nodes that failed to resume",
	Args:  cobra.NoArgs,
	RunE:  runSuspend,
}

func init() {
	for _, cmd := range []*cobra.Command{suspendCmd, resumeFailCmd} {
		cmd.Flags().String("node-list", "", "hostlist expression of the nodes")
		lo.Must0(cmd.MarkFlagRequired("node-list"))
	}
}
