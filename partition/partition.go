// Package partition synthesizes scheduler partition records from fleet bucket
// snapshots. A partition corresponds 1:1 to a bucket; it is rebuilt fresh on
// every invocation and never persisted.
package partition

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/hostlist"
)

// MemoryFloorMB prevents pathological memory reporting from deriving a zero
// per-CPU memory share.
const MemoryFloorMB = 1024

// InvalidCapacityError reports a bucket whose physical CPU count is unusable.
type InvalidCapacityError struct {
	Partition string
	PCPUCount int
}

func (e *InvalidCapacityError) Error() string {
	return fmt.Sprintf("partition %q has invalid physical CPU count %d", e.Partition, e.PCPUCount)
}

// AmbiguousDefaultPartitionError reports more than one bucket claiming the
// default partition.
type AmbiguousDefaultPartitionError struct {
	Claimants []string
}

func (e *AmbiguousDefaultPartitionError) Error() string {
	return fmt.Sprintf("multiple partitions claim default: %s", strings.Join(e.Claimants, ", "))
}

// InsufficientCapacityError reports a partition whose node list expanded to
// nothing while the caller disallows empty partitions.
type InsufficientCapacityError struct {
	Partition string
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("partition %q has no nodes", e.Partition)
}

// Partition is the scheduler-facing grouping of nodes sharing a bucket.
type Partition struct {
	Name      string
	BucketID  string
	NodeArray string

	// NodeNames is the full ordered name space of the partition: every name
	// the bucket could ever allocate, whether or not it currently exists.
	NodeNames []string
	// NodesByPlacementGroup partitions NodeNames by placement group id; the
	// empty key holds nodes outside any placement group.
	NodesByPlacementGroup map[string][]string

	IsDefault bool
	IsHPC     bool
	UsePCPU   bool

	MaxVMCount      int
	MaxScalesetSize int
	// MemoryMB is already floored to MemoryFloorMB.
	MemoryMB  int
	VCPUCount int
	PCPUCount int
	GPUCount  int

	DampenMemoryPercent int

	// GeneratedPGBuffer is the slack placement-group count reserved for
	// scheduler bookkeeping on tight-placement partitions.
	GeneratedPGBuffer int
}

// NodeList renders the partition's name space as a compressed hostlist.
func (p *Partition) NodeList() string {
	return hostlist.Compress(p.NodeNames)
}

// DefMemPerCPU is the per-CPU share of the given memory figure in MB, which
// may already be dampened by the renderer.
func (p *Partition) DefMemPerCPU(memoryMB int) int {
	return memoryMB / p.PCPUCount
}

// CPUCount is the CPU count the scheduler should see, physical or virtual
// depending on the accounting mode.
func (p *Partition) CPUCount() int {
	if p.UsePCPU {
		return p.PCPUCount
	}
	return p.VCPUCount
}

// ThreadsPerCore is the virtual/physical CPU ratio, at least 1.
func (p *Partition) ThreadsPerCore() int {
	if !p.UsePCPU {
		return 1
	}
	return max(1, p.VCPUCount/p.PCPUCount)
}

// Options controls partition synthesis.
type Options struct {
	// AllowEmpty keeps partitions whose node list expands to nothing instead
	// of failing with InsufficientCapacityError.
	AllowEmpty bool
	// DampenMemoryPercent is the operator-chosen memory dampening percentage
	// reported in rendered configuration.
	DampenMemoryPercent int
	// BufferOverrides maps a node array to an operator-forced placement-group
	// buffer, bypassing the derived value.
	BufferOverrides map[string]int
}

// Builder synthesizes partitions. The placement-group buffer derivation is
// memoized per bucket id within a process run; recomputation is idempotent.
type Builder struct {
	log       *slog.Logger
	pgBuffers map[string]int
}

func NewBuilder(log *slog.Logger) *Builder {
	return &Builder{log: log, pgBuffers: map[string]int{}}
}

// FetchPartitions converts the bucket snapshot into one Partition per bucket,
// keyed by partition name. Node names appearing in the fleet snapshot retain
// their reported placement groups; names not yet allocated get the generated
// group layout of their bucket.
func (b *Builder) FetchPartitions(buckets []fleet.Bucket, nodes []fleet.Node, opts Options) (map[string]*Partition, error) {
	if err := b.electDefault(buckets); err != nil {
		return nil, err
	}

	nodesByBucket := lo.GroupBy(nodes, func(n fleet.Node) string { return n.BucketID })

	partitions := make(map[string]*Partition, len(buckets))
	for _, bucket := range buckets {
		p, err := b.buildPartition(bucket, nodesByBucket[bucket.ID], opts)
		if err != nil {
			return nil, err
		}
		partitions[p.Name] = p
	}
	return partitions, nil
}

func (b *Builder) electDefault(buckets []fleet.Bucket) error {
	claimants := lo.FilterMap(buckets, func(bucket fleet.Bucket, _ int) (string, bool) {
		return bucket.NodeArray, bucket.IsDefault()
	})
	if len(claimants) > 1 {
		sort.Strings(claimants)
		return &AmbiguousDefaultPartitionError{Claimants: claimants}
	}
	return nil
}

func (b *Builder) buildPartition(bucket fleet.Bucket, existing []fleet.Node, opts Options) (*Partition, error) {
	name := bucket.NodeArray
	if bucket.PCPUCount < 1 {
		return nil, &InvalidCapacityError{Partition: name, PCPUCount: bucket.PCPUCount}
	}

	isHPC := bucket.IsHPC()
	maxScaleset := max(1, bucket.MaxPlacementGroupSize)

	names := b.nodeNameSpace(bucket)
	if len(names) == 0 {
		if !opts.AllowEmpty {
			return nil, &InsufficientCapacityError{Partition: name}
		}
		b.log.Warn("Partition has no nodes", "partition", name)
	}

	p := &Partition{
		Name:                  name,
		BucketID:              bucket.ID,
		NodeArray:             bucket.NodeArray,
		NodeNames:             names,
		NodesByPlacementGroup: b.groupByPlacement(bucket, names, existing, maxScaleset),
		IsDefault:             bucket.IsDefault(),
		IsHPC:                 isHPC,
		UsePCPU:               bucket.SoftwareConfiguration["slurm.use_pcpu"] != "false",
		MaxVMCount:            bucket.MaxCount,
		MaxScalesetSize:       maxScaleset,
		MemoryMB:              max(MemoryFloorMB, bucket.MemoryMB),
		VCPUCount:             bucket.VCPUCount,
		PCPUCount:             bucket.PCPUCount,
		GPUCount:              bucket.GPUCount,
		DampenMemoryPercent:   opts.DampenMemoryPercent,
		GeneratedPGBuffer:     b.placementGroupBuffer(bucket, opts),
	}
	return p, nil
}

// nodeNameSpace is the full ordered list of names the bucket can allocate.
func (b *Builder) nodeNameSpace(bucket fleet.Bucket) []string {
	names := make([]string, 0, bucket.MaxCount)
	for i := 1; i <= bucket.MaxCount; i++ {
		names = append(names, fmt.Sprintf("%s-%d", bucket.NodeArray, i))
	}
	hostlist.Sort(names, bucket.IsHPC())
	return names
}

func (b *Builder) groupByPlacement(bucket fleet.Bucket, names []string, existing []fleet.Node, maxScaleset int) map[string][]string {
	groups := map[string][]string{}
	if len(names) == 0 {
		return groups
	}

	if !bucket.IsHPC() {
		groups[""] = append([]string(nil), names...)
		return groups
	}

	reported := map[string]string{}
	for _, node := range existing {
		if node.PlacementGroup != "" {
			reported[node.Name] = node.PlacementGroup
		}
	}

	for i, name := range names {
		pg, ok := reported[name]
		if !ok {
			pg = fmt.Sprintf("%s-%s-pg%d", bucket.NodeArray, bucket.VMSize, i/maxScaleset)
		}
		groups[pg] = append(groups[pg], name)
	}
	for pg := range groups {
		hostlist.Sort(groups[pg], true)
	}
	return groups
}

// placementGroupBuffer derives (and memoizes) the slack placement-group count
// for a bucket: ceil(maxCount / maxPlacementGroupSize) for tight-placement
// buckets, zero otherwise.
func (b *Builder) placementGroupBuffer(bucket fleet.Bucket, opts Options) int {
	if buffer, ok := opts.BufferOverrides[bucket.NodeArray]; ok {
		return buffer
	}
	if buffer, ok := b.pgBuffers[bucket.ID]; ok {
		return buffer
	}

	buffer := 0
	if bucket.IsHPC() {
		buffer = int(math.Ceil(float64(bucket.MaxCount) / float64(max(1, bucket.MaxPlacementGroupSize))))
	}
	b.pgBuffers[bucket.ID] = buffer
	return buffer
}
