package main

import (
	"errors"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nimbus-hpc/slurmbridge/cli/log"
	"github.com/nimbus-hpc/slurmbridge/confgen"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Render partition and node definitions to stdout",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}

		allowEmpty := lo.Must(cmd.Flags().GetBool("allow-empty"))
		parts, err := fetchPartitions(cmd.Context(), allowEmpty)
		if err != nil {
			return err
		}

		return confgen.WritePartitions(cmd.OutOrStdout(), parts, confgen.Options{
			Autoscale:  autoscaleEnabled(cmd.Context()),
			AllowEmpty: allowEmpty,
		})
	},
}

var gresCmd = &cobra.Command{
	Use:   "gres",
	Short: "Render generic resource (GPU) definitions to stdout",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}

		parts, err := fetchPartitions(cmd.Context(), true)
		if err != nil {
			return err
		}
		return confgen.WriteGres(cmd.OutOrStdout(), parts)
	},
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Render network topology switch definitions to stdout",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}

		parts, err := fetchPartitions(cmd.Context(), true)
		if err != nil {
			return err
		}

		err = confgen.WriteTopology(cmd.OutOrStdout(), parts)
		var noData *confgen.NoTopologyDataError
		if errors.As(err, &noData) {
			log.Warn("No topology to render", "error", err)
			return nil
		}
		return err
	},
}

func init() {
	partitionsCmd.Flags().Bool("allow-empty", false, "render partitions without any nodes")
}
