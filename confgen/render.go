// Package confgen renders the flat text configuration artifacts the scheduler
// reads: partition/node definitions, GRES definitions, network topology switch
// definitions and the suspend-exclusion node list. All functions are pure
// given a Partition mapping.
package confgen

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/nimbus-hpc/slurmbridge/hostlist"
	"github.com/nimbus-hpc/slurmbridge/partition"
)

// MissingNodeListError signals that a partition's node inventory was never
// populated; the caller must create nodes first.
type MissingNodeListError struct {
	Partition string
}

func (e *MissingNodeListError) Error() string {
	return fmt.Sprintf("no nodes found for partition %q; create the node inventory first", e.Partition)
}

// NoTopologyDataError signals that no placement groups exist at all.
type NoTopologyDataError struct{}

func (e *NoTopologyDataError) Error() string {
	return "no nodes found to create topology; create the node inventory first"
}

// Options controls partition/node rendering.
type Options struct {
	// Autoscale selects STATE=CLOUD; when false nodes are declared
	// STATE=FUTURE so the scheduler never contacts them until activated.
	Autoscale bool
	// AllowEmpty renders partitions whose node list is empty instead of
	// omitting them.
	AllowEmpty bool
}

func sortedNames(parts map[string]*partition.Partition) []string {
	names := lo.Keys(parts)
	sort.Strings(names)
	return names
}

// dampenedMemory applies the configured dampening percentage, never dropping
// below the memory floor.
func dampenedMemory(p *partition.Partition) int {
	if p.DampenMemoryPercent <= 0 {
		return p.MemoryMB
	}
	dampened := p.MemoryMB * (100 - p.DampenMemoryPercent) / 100
	return max(partition.MemoryFloorMB, dampened)
}

// WritePartitions renders the partition and cloud node definitions.
func WritePartitions(w io.Writer, parts map[string]*partition.Partition, opts Options) error {
	for _, name := range sortedNames(parts) {
		p := parts[name]
		if len(p.NodeNames) == 0 && !opts.AllowEmpty {
			continue
		}

		nodeList := p.NodeList()
		memory := dampenedMemory(p)
		defaultYN := "NO"
		if p.IsDefault {
			defaultYN = "YES"
		}

		fmt.Fprintf(w,
			"# Note: the fleet manager reported a RealMemory of %d but we reduced it by %d%% (minimum 1gb) to account for OS/VM overhead which\n",
			p.MemoryMB, p.DampenMemoryPercent)
		fmt.Fprintf(w,
			"# would result in the nodes being rejected by the scheduler if they report a number less than defined here.\n")
		fmt.Fprintf(w,
			"# To pick a different percentage to dampen, set slurm.dampen_memory=X in the node array's configuration where X is a percentage (5 = 5%%).\n")
		fmt.Fprintf(w,
			"PartitionName=%s Nodes=%s Default=%s DefMemPerCPU=%d MaxTime=INFINITE State=UP\n",
			p.Name, nodeList, defaultYN, p.DefMemPerCPU(memory))

		state := "CLOUD"
		if !opts.Autoscale {
			state = "FUTURE"
		}
		fmt.Fprintf(w,
			"Nodename=%s Feature=cloud STATE=%s CPUs=%d ThreadsPerCore=%d RealMemory=%d",
			nodeList, state, p.CPUCount(), p.ThreadsPerCore(), memory)
		if p.GPUCount > 0 {
			fmt.Fprintf(w, " Gres=gpu:%d", p.GPUCount)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// WriteGres renders generic resource definitions, splitting each GPU
// partition's node set into placement-group-sized chunks.
func WriteGres(w io.Writer, parts map[string]*partition.Partition) error {
	for _, name := range sortedNames(parts) {
		p := parts[name]
		if len(p.NodeNames) == 0 {
			return &MissingNodeListError{Partition: p.Name}
		}
		if p.GPUCount == 0 {
			continue
		}

		all := append([]string(nil), p.NodeNames...)
		hostlist.Sort(all, p.IsHPC)

		chunks := int(math.Ceil(float64(p.MaxVMCount) / float64(p.MaxScalesetSize)))
		for i := 0; i < chunks; i++ {
			start := i * p.MaxScalesetSize
			end := min(p.MaxVMCount, (i+1)*p.MaxScalesetSize)
			if start >= len(all) {
				break
			}
			end = min(end, len(all))

			devices := "/dev/nvidia0"
			if p.GPUCount > 1 {
				devices = fmt.Sprintf("/dev/nvidia[0-%d]", p.GPUCount-1)
			}
			fmt.Fprintf(w, "Nodename=%s Name=gpu Count=%d File=%s\n",
				hostlist.Compress(all[start:end]), p.GPUCount, devices)
		}
	}
	return nil
}

// WriteTopology renders one switch definition per placement group across the
// whole cluster. The empty group (nodes outside any placement group) renders
// as switch "htc" and sorts first.
func WriteTopology(w io.Writer, parts map[string]*partition.Partition) error {
	nodesByPG := map[string][]string{}
	for _, p := range parts {
		for pg, nodes := range p.NodesByPlacementGroup {
			nodesByPG[pg] = append(nodesByPG[pg], nodes...)
		}
	}
	if len(nodesByPG) == 0 {
		return &NoTopologyDataError{}
	}

	groups := lo.Keys(nodesByPG)
	sort.Strings(groups) // empty group id sorts first

	for _, pg := range groups {
		nodes := nodesByPG[pg]
		if len(nodes) == 0 {
			continue
		}
		hostlist.Sort(nodes, pg != "")

		switchName := pg
		if switchName == "" {
			switchName = "htc"
		}
		fmt.Fprintf(w, "SwitchName=%s Nodes=%s\n", switchName, hostlist.Compress(nodes))
	}
	return nil
}

// UpdateMode selects how a caller-supplied node list is merged into the
// current suspend-exclusion set.
type UpdateMode int

const (
	// Add appends to the current set.
	Add UpdateMode = iota
	// Remove subtracts from the current set.
	Remove
	// Set replaces the current set.
	Set
)

// SuspendExcLine builds the single-line "excluded from suspend" artifact from
// the current excluded set and a caller-supplied update.
func SuspendExcLine(current, update []string, mode UpdateMode) string {
	var names []string
	switch mode {
	case Set:
		names = update
	case Remove:
		names, _ = lo.Difference(current, update)
	default:
		names = append(append([]string(nil), current...), update...)
	}

	names = lo.Uniq(names)
	hostlist.Sort(names, false)
	return fmt.Sprintf("SuspendExcNodes = %s", hostlist.Compress(names))
}
