// Package fleet defines the data model and capability interface of the cloud
// fleet manager that owns VM lifecycle: provisioning, IP assignment and power
// state. The bridge only ever holds read snapshots of this state and requests
// transitions through the Client interface.
package fleet

import "context"

// NodeStatus is a fleet-manager lifecycle state. Only the states the bridge
// branches on are enumerated; anything else is carried as an opaque tag.
type NodeStatus string

const (
	StatusOff       NodeStatus = "Off"
	StatusAcquiring NodeStatus = "Acquiring"
	StatusReady     NodeStatus = "Ready"
	StatusFailed    NodeStatus = "Failed"

	// TargetStarted is the target state of a node the fleet manager has
	// committed to booting.
	TargetStarted NodeStatus = "Started"
)

// Node is a read snapshot of a compute instance as currently known by the
// fleet manager. Name is the scheduler-visible identity.
type Node struct {
	Name           string
	NodeArray      string
	Hostname       string
	PrivateIP      string
	Status         NodeStatus
	TargetStatus   NodeStatus
	PlacementGroup string
	BucketID       string
	InstanceID     string

	VCPUCount int
	PCPUCount int
	MemoryMB  int
	GPUCount  int

	SoftwareConfiguration map[string]string
}

// Bucket is a capacity class: a VM size/image/placement configuration with
// operator-set software configuration tags. Immutable per reconciliation cycle.
type Bucket struct {
	ID                    string
	NodeArray             string
	VMSize                string
	MaxCount              int
	MaxPlacementGroupSize int

	VCPUCount int
	PCPUCount int
	MemoryMB  int
	GPUCount  int

	SoftwareConfiguration map[string]string
}

// IsHPC reports whether the bucket is flagged for tight placement
// ("slurm.hpc" software configuration tag).
func (b Bucket) IsHPC() bool {
	return b.SoftwareConfiguration["slurm.hpc"] == "true"
}

// IsDefault reports whether the bucket claims the default partition
// ("slurm.default_partition" software configuration tag).
func (b Bucket) IsDefault() bool {
	return b.SoftwareConfiguration["slurm.default_partition"] == "true"
}

// AllocateOptions constrains an allocation request.
type AllocateOptions struct {
	// NodeName pins the generated node to a caller-supplied exact name.
	NodeName string
	// Exclusive requests a dedicated allocation unit.
	Exclusive bool
}

// Client is the fleet-manager capability set the bridge consumes.
type Client interface {
	ListNodes(ctx context.Context) ([]Node, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)
	Allocate(ctx context.Context, bucketID string, count int, opts AllocateOptions) ([]Node, error)
	// Bootup powers on the given nodes and returns an operation id.
	Bootup(ctx context.Context, nodes []Node) (string, error)
	// Shutdown powers off the given nodes. Names unknown to the fleet
	// manager are treated as no-ops.
	Shutdown(ctx context.Context, nodes []Node) error
}

// ByName indexes a node snapshot by node name.
func ByName(nodes []Node) map[string]Node {
	byName := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		byName[node.Name] = node
	}
	return byName
}
