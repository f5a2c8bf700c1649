package openstack

import "github.com/gophercloud/gophercloud/openstack/compute/v2/servers"

// ArrayConfig describes one node array backed by an OpenStack flavor.
type ArrayConfig struct {
	Flavor         string
	Image          string
	Networks       []servers.Network
	SecurityGroups []string

	MaxCount              int
	MaxPlacementGroupSize int
	// ThreadsPerCore divides the flavor's vCPU count into physical cores.
	ThreadsPerCore int
	GPUCount       int

	// SoftwareConfiguration carries the scheduler-facing tags
	// (slurm.hpc, slurm.default_partition, ...).
	SoftwareConfiguration map[string]string
}

type Config struct {
	// Region overrides OS_REGION_NAME when set.
	Region     string
	NodeArrays map[string]ArrayConfig
}
