package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbus-hpc/slurmbridge/cli/flags"
	"github.com/nimbus-hpc/slurmbridge/cli/log"
	"github.com/nimbus-hpc/slurmbridge/config"
	"github.com/nimbus-hpc/slurmbridge/converge"
	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/fleet/openstack"
	"github.com/nimbus-hpc/slurmbridge/partition"
	"github.com/nimbus-hpc/slurmbridge/slurm"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var (
	cluster     config.Cluster
	slurmClient *slurm.Client
	fleetClient fleet.Client
)

var rootCmd = &cobra.Command{
	Use:   "slurmbridge",
	Short: "slurmbridge connects a cloud fleet manager to the Slurm controller.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(); err != nil {
			return err
		}

		var err error
		cluster, err = config.Load(viper.GetString(flags.Config))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		slurmClient = slurm.NewClient(log.With("component", "slurm"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(gresCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeFailCmd)
	rootCmd.AddCommand(keepAliveCmd)
	rootCmd.AddCommand(versionCmd)

	flags.Bind(rootCmd.PersistentFlags())
}

// connectFleet authenticates against the fleet manager. Commands that only
// talk to the scheduler skip this.
func connectFleet() error {
	if fleetClient != nil {
		return nil
	}
	driver, err := openstack.NewDriver(cluster.OpenStack, log.With("component", "fleet"))
	if err != nil {
		return fmt.Errorf("failed to connect to the fleet manager: %w", err)
	}
	fleetClient = driver
	return nil
}

func newEngine() *converge.Engine {
	engine := converge.NewEngine(fleetClient, slurmClient, log.With("component", "converge"))
	engine.PollInterval = cluster.PollInterval.Std()
	engine.Deadline = cluster.ResumeDeadline.Std()
	engine.RetryAttempts = cluster.RetryAttempts
	return engine
}

// fetchPartitions reads a fresh bucket and node snapshot and synthesizes the
// partition model from it.
func fetchPartitions(ctx context.Context, allowEmpty bool) (map[string]*partition.Partition, error) {
	buckets, err := fleet.RetryResult(log.Base, cluster.RetryAttempts, func() ([]fleet.Bucket, error) {
		return fleetClient.ListBuckets(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	nodes, err := fleet.RetryResult(log.Base, cluster.RetryAttempts, func() ([]fleet.Node, error) {
		return fleetClient.ListNodes(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	builder := partition.NewBuilder(log.With("component", "partition"))
	return builder.FetchPartitions(buckets, nodes, partition.Options{
		AllowEmpty:          allowEmpty,
		DampenMemoryPercent: cluster.DampenMemoryPercent,
		BufferOverrides:     cluster.BufferOverrides(),
	})
}

// autoscaleEnabled honors the configuration override before asking the
// scheduler itself.
func autoscaleEnabled(ctx context.Context) bool {
	if cluster.Autoscale != nil {
		return *cluster.Autoscale
	}
	return slurmClient.IsAutoscaleEnabled(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.HiRedString("✗"), err)
		os.Exit(1)
	}
}
