// Package config holds the cluster-level settings of the bridge: where the
// rendered scheduler configuration lands, convergence tuning and the fleet
// driver definition. Settings come from a YAML file; command-line flags and
// SLURMBRIDGE_* environment variables override the generic ones.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbus-hpc/slurmbridge/fleet/openstack"
)

// Duration parses "5s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NodeArray carries per-array operator overrides.
type NodeArray struct {
	// PlacementGroupBuffer forces the placement-group buffer instead of
	// deriving it from the array's capacity.
	PlacementGroupBuffer *int `yaml:"placement_group_buffer"`
}

type Cluster struct {
	// SchedDir is where rendered configuration files are written.
	SchedDir string `yaml:"sched_dir"`
	// Autoscale overrides autoscale detection from the scheduler config.
	Autoscale *bool `yaml:"autoscale"`
	// DampenMemoryPercent shaves the reported node memory to leave room for
	// OS and hypervisor overhead.
	DampenMemoryPercent int `yaml:"dampen_memory_percent"`

	PollInterval   Duration `yaml:"poll_interval"`
	ResumeDeadline Duration `yaml:"resume_deadline"`
	RetryAttempts  int      `yaml:"retry_attempts"`

	NodeArrays map[string]NodeArray `yaml:"node_arrays"`
	OpenStack  openstack.Config     `yaml:"openstack"`
}

func Default() Cluster {
	return Cluster{
		SchedDir:       "/etc/slurm",
		PollInterval:   Duration(5 * time.Second),
		ResumeDeadline: Duration(time.Hour),
		RetryAttempts:  5,
	}
}

// Load reads the cluster configuration file on top of the defaults. A missing
// file is not an error; the defaults apply as-is.
func Load(path string) (Cluster, error) {
	cluster := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cluster, nil
	}
	if err != nil {
		return cluster, fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cluster); err != nil {
		return cluster, fmt.Errorf("failed to parse configuration file '%s': %w", path, err)
	}
	return cluster, nil
}

// BufferOverrides extracts the operator-forced placement-group buffers.
func (c Cluster) BufferOverrides() map[string]int {
	overrides := map[string]int{}
	for array, settings := range c.NodeArrays {
		if settings.PlacementGroupBuffer != nil {
			overrides[array] = *settings.PlacementGroupBuffer
		}
	}
	return overrides
}
