package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/nimbus-hpc/slurmbridge/cli/log"
	"github.com/nimbus-hpc/slurmbridge/confgen"
	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/hostlist"
	"github.com/nimbus-hpc/slurmbridge/partition"
)

var scaleCmd = &cobra.Command{
	Use:   "scale",
	Short: "Re-render the scheduler configuration files and restart the controller",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := connectFleet(); err != nil {
			return err
		}
		ctx := cmd.Context()

		parts, err := fetchPartitions(ctx, true)
		if err != nil {
			return err
		}
		autoscale := autoscaleEnabled(ctx)

		dir := lo.Must(cmd.Flags().GetString("sched-dir"))
		if dir == "" {
			dir = cluster.SchedDir
		}

		if err := writeWithBackup(filepath.Join(dir, "slurmbridge.conf"), func(w *strings.Builder) error {
			return confgen.WritePartitions(w, parts, confgen.Options{Autoscale: autoscale, AllowEmpty: true})
		}); err != nil {
			return err
		}

		if err := writeWithBackup(filepath.Join(dir, "gres.conf"), func(w *strings.Builder) error {
			return confgen.WriteGres(w, parts)
		}); err != nil {
			return err
		}

		err = writeWithBackup(filepath.Join(dir, "topology.conf"), func(w *strings.Builder) error {
			return confgen.WriteTopology(w, parts)
		})
		var noData *confgen.NoTopologyDataError
		if errors.As(err, &noData) {
			log.Warn("No topology to render, leaving topology.conf untouched")
		} else if err != nil {
			return err
		}

		// Without autoscale the scheduler keeps static node records; park
		// the nodes the fleet manager is not actively running in FUTURE so
		// only booted ones come alive.
		if !autoscale {
			latest, err := fleet.RetryResult(log.Base, cluster.RetryAttempts, func() ([]fleet.Node, error) {
				return fleetClient.ListNodes(ctx)
			})
			if err != nil {
				return fmt.Errorf("failed to list nodes: %w", err)
			}
			for _, name := range futureCandidates(parts, latest) {
				if err := slurmClient.SetNodeFuture(ctx, name); err != nil {
					log.Warn("Failed to park node in FUTURE state", "node", name, "error", err)
				}
			}
		}

		if lo.Must(cmd.Flags().GetBool("config-only")) {
			return nil
		}
		return slurmClient.RestartController(ctx)
	},
}

func init() {
	scaleCmd.Flags().String("sched-dir", "", "directory to write configuration files to (defaults to the configured sched_dir)")
	scaleCmd.Flags().Bool("config-only", false, "write configuration files without restarting the controller")
}

// futureCandidates picks the names to park in FUTURE: everything in the
// partition name space except nodes the fleet manager is driving to Started.
func futureCandidates(parts map[string]*partition.Partition, latest []fleet.Node) []string {
	byName := fleet.ByName(latest)
	var names []string
	for _, p := range parts {
		for _, name := range p.NodeNames {
			if node, found := byName[name]; found && node.TargetStatus == fleet.TargetStarted {
				continue
			}
			names = append(names, name)
		}
	}
	hostlist.Sort(names, false)
	return names
}

// writeWithBackup renders into memory first, moves any previous file aside
// with a timestamp suffix, then writes the new content.
func writeWithBackup(path string, render func(w *strings.Builder) error) error {
	var buf strings.Builder
	if err := render(&buf); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		backup := fmt.Sprintf("%s.bak-%s", path, time.Now().Format("20060102-150405"))
		if err := os.Rename(path, backup); err != nil {
			return fmt.Errorf("failed to back up '%s': %w", path, err)
		}
		log.Info("Backed up previous configuration", "file", path, "backup", backup)
	}

	if err := os.WriteFile(path, []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("failed to write '%s': %w", path, err)
	}
	log.Info("Wrote configuration", "file", path)
	return nil
}
