// Package converge drives requested node sets toward their desired power
// state: it allocates and boots missing nodes, polls the fleet manager until
// every node settles, mirrors failures into the scheduler and hands ready
// nodes their addresses.
package converge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/namegen"
	"github.com/nimbus-hpc/slurmbridge/partition"
)

// UnknownNodeNameError reports a requested node name that no partition's name
// space contains.
type UnknownNodeNameError struct {
	Name string
}

func (e *UnknownNodeNameError) Error() string {
	return fmt.Sprintf("unknown node name %q: no partition owns it", e.Name)
}

// SchedulerControl is the slice of the scheduler control surface the engine
// needs: marking nodes up/down and handing ready nodes their addresses.
type SchedulerControl interface {
	UpdateNodeState(ctx context.Context, name, state, reason string) error
	UpdateNodeAddr(ctx context.Context, name, addr, hostname string) error
}

const (
	downReason = "cloud_node_failure"
	idleReason = "cloud_node_recovery"
)

// Engine converges node sets. The exported knobs may be adjusted before first
// use; afterwards the engine is safe for sequential reuse.
type Engine struct {
	fleet fleet.Client
	slurm SchedulerControl
	log   *slog.Logger

	// PollInterval is the pause between inventory cycles.
	PollInterval time.Duration
	// Deadline bounds a single WaitForResume call; reaching it is a warning,
	// not an error.
	Deadline time.Duration
	// RetryAttempts bounds each fleet inventory fetch.
	RetryAttempts int
}

func NewEngine(fleetClient fleet.Client, slurmClient SchedulerControl, log *slog.Logger) *Engine {
	return &Engine{
		fleet:         fleetClient,
		slurm:         slurmClient,
		log:           log,
		PollInterval:  5 * time.Second,
		Deadline:      time.Hour,
		RetryAttempts: 5,
	}
}

// Memory is the engine's only cross-cycle state: the set of node names whose
// last observed status was Failed. It lives for the duration of one wait loop.
type Memory struct {
	failed map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{failed: map[string]struct{}{}}
}

// FailedNames returns the remembered failed set, sorted.
func (m *Memory) FailedNames() []string {
	names := lo.Keys(m.failed)
	sort.Strings(names)
	return names
}

// Classification tags for a cycle. Transitioning nodes are counted under
// their raw fleet status instead of one of these.
const (
	StateReady            = "Ready"
	StateFailed           = "Failed"
	StateWaitingOnAddress = "WaitingOnAddress"
)

// States counts nodes per classification tag within one cycle.
type States map[string]int

func (s States) String() string {
	tags := lo.Keys(s)
	sort.Strings(tags)
	return strings.Join(lo.Map(tags, func(tag string, _ int) string {
		return fmt.Sprintf("%s=%d", tag, s[tag])
	}), " ")
}

// CycleResult is the outcome of one CheckNodes step.
type CycleResult struct {
	States States
	// Ready holds the nodes that are running with an address assigned.
	Ready []fleet.Node
	// Relevant is the number of requested names present in the snapshot;
	// missing names never count toward the denominator.
	Relevant int
	// Settled is the number of nodes that will not progress further in this
	// convergence: ready, failed, or drifted to an unexpected target state.
	Settled int
}

// Terminal reports whether every relevant node has settled.
func (r CycleResult) Terminal() bool {
	return r.Settled == r.Relevant
}

// CheckNodes classifies the requested names against a fresh fleet snapshot
// and mirrors failure transitions into the scheduler. A transition's update
// fires once on success; a failed update is logged, never aborts the cycle,
// and is retried on the next one.
func (e *Engine) CheckNodes(ctx context.Context, names []string, latest []fleet.Node, mem *Memory) CycleResult {
	byName := fleet.ByName(latest)
	result := CycleResult{States: States{}}

	for _, name := range names {
		node, found := byName[name]
		if !found {
			continue
		}
		result.Relevant++

		// The failed-set only changes once the scheduler command went
		// through; a failed command is retried on the next cycle.
		if node.Status == fleet.StatusFailed {
			result.States[StateFailed]++
			result.Settled++
			if _, known := mem.failed[name]; !known {
				if err := e.slurm.UpdateNodeState(ctx, name, "down", downReason); err != nil {
					e.log.Error("Failed to mark node down", "node", name, "error", err)
				} else {
					mem.failed[name] = struct{}{}
				}
			}
			continue
		}

		if _, wasFailed := mem.failed[name]; wasFailed {
			if err := e.slurm.UpdateNodeState(ctx, name, "idle", idleReason); err != nil {
				e.log.Error("Failed to mark node idle", "node", name, "error", err)
			} else {
				delete(mem.failed, name)
			}
		}

		if node.TargetStatus != "" && node.TargetStatus != fleet.TargetStarted {
			result.States[fmt.Sprintf("%s (target=%s)", node.Status, node.TargetStatus)]++
			result.Settled++
			continue
		}

		if node.Status == fleet.StatusReady {
			if node.PrivateIP == "" {
				result.States[StateWaitingOnAddress]++
				continue
			}
			result.States[StateReady]++
			result.Settled++
			result.Ready = append(result.Ready, node)
			continue
		}

		result.States[string(node.Status)]++
	}
	return result
}

// WaitForResume polls the fleet manager until every requested node settles or
// the deadline passes. Ready nodes get their address and hostname pushed to
// the scheduler once the loop ends. A deadline expiry logs a warning and
// returns nil; only an unreadable fleet inventory is fatal.
func (e *Engine) WaitForResume(ctx context.Context, operationID string, names []string) error {
	omega := time.Now().Add(e.Deadline)
	mem := NewMemory()
	log := e.log.With("operation", operationID)

	var lastStates string
	var ready []fleet.Node
	for {
		latest, err := fleet.RetryResult(log, e.RetryAttempts, func() ([]fleet.Node, error) {
			return e.fleet.ListNodes(ctx)
		})
		if err != nil {
			return fmt.Errorf("giving up on fleet inventory: %w", err)
		}

		result := e.CheckNodes(ctx, names, latest, mem)
		if summary := result.States.String(); summary != lastStates {
			log.Info("Nodes progressing", "states", summary, "relevant", result.Relevant)
			lastStates = summary
		}
		ready = result.Ready

		if result.Terminal() {
			if failed := mem.FailedNames(); len(failed) > 0 {
				log.Warn("Some nodes failed to come up", "nodes", failed)
			}
			break
		}
		if time.Now().After(omega) {
			log.Warn("Deadline reached before all nodes settled", "deadline", e.Deadline)
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.PollInterval):
		}
	}

	// Nodes that made it to Ready get their addresses regardless of how the
	// loop ended; a deadline expiry must not strand them.
	var errs []error
	for _, node := range ready {
		if node.Hostname == "" || node.PrivateIP == "" {
			continue
		}
		if err := e.slurm.UpdateNodeAddr(ctx, node.Name, node.PrivateIP, node.Hostname); err != nil {
			errs = append(errs, fmt.Errorf("updating address of node %s: %w", node.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Resume makes every requested node exist and boot: names unknown to the
// fleet manager are allocated pinned to their owning partition's bucket, then
// the whole set is powered on. Returns the operation id of the bootup; when
// wait is set the call blocks until the set settles.
func (e *Engine) Resume(ctx context.Context, names []string, partitions map[string]*partition.Partition, wait bool) (string, error) {
	owners := partitionByNodeName(partitions)

	latest, err := fleet.RetryResult(e.log, e.RetryAttempts, func() ([]fleet.Node, error) {
		return e.fleet.ListNodes(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("reading fleet inventory: %w", err)
	}
	byName := fleet.ByName(latest)

	nodes := make([]fleet.Node, 0, len(names))
	for _, name := range names {
		if node, found := byName[name]; found {
			nodes = append(nodes, node)
			continue
		}

		owner, found := owners[name]
		if !found {
			return "", &UnknownNodeNameError{Name: name}
		}
		e.log.Info("Allocating node", "node", name, "partition", owner.Name)
		allocated, err := e.fleet.Allocate(ctx, owner.BucketID, 1, fleet.AllocateOptions{
			NodeName:  name,
			Exclusive: owner.IsHPC,
		})
		if err != nil {
			return "", fmt.Errorf("allocating node %s: %w", name, err)
		}
		nodes = append(nodes, allocated...)
	}

	operationID, err := e.fleet.Bootup(ctx, nodes)
	if err != nil {
		return "", fmt.Errorf("booting nodes: %w", err)
	}
	if operationID == "" {
		operationID = namegen.Operation().String()
	}
	e.log.Info("Bootup requested", "operation", operationID, "nodes", len(nodes))

	if wait {
		return operationID, e.WaitForResume(ctx, operationID, names)
	}
	return operationID, nil
}

// Suspend powers off the requested nodes. Names the fleet manager does not
// know are passed through silently so scheduler-side cleanup keeps working.
func (e *Engine) Suspend(ctx context.Context, names []string) error {
	latest, err := fleet.RetryResult(e.log, e.RetryAttempts, func() ([]fleet.Node, error) {
		return e.fleet.ListNodes(ctx)
	})
	if err != nil {
		return fmt.Errorf("reading fleet inventory: %w", err)
	}
	byName := fleet.ByName(latest)

	nodes := lo.FilterMap(names, func(name string, _ int) (fleet.Node, bool) {
		node, found := byName[name]
		if !found {
			e.log.Debug("Node not known to the fleet manager, skipping", "node", name)
		}
		return node, found
	})
	if len(nodes) == 0 {
		return nil
	}

	if err := e.fleet.Shutdown(ctx, nodes); err != nil {
		return fmt.Errorf("shutting down nodes: %w", err)
	}
	return nil
}

func partitionByNodeName(partitions map[string]*partition.Partition) map[string]*partition.Partition {
	owners := map[string]*partition.Partition{}
	for _, p := range partitions {
		for _, name := range p.NodeNames {
			owners[name] = p
		}
	}
	return owners
}
