package converge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/partition"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFleet struct {
	listNodes   func(ctx context.Context) ([]fleet.Node, error)
	listBuckets func(ctx context.Context) ([]fleet.Bucket, error)
	allocate    func(ctx context.Context, bucketID string, count int, opts fleet.AllocateOptions) ([]fleet.Node, error)
	bootup      func(ctx context.Context, nodes []fleet.Node) (string, error)
	shutdown    func(ctx context.Context, nodes []fleet.Node) error
}

func (f *fakeFleet) ListNodes(ctx context.Context) ([]fleet.Node, error) { return f.listNodes(ctx) }
func (f *fakeFleet) ListBuckets(ctx context.Context) ([]fleet.Bucket, error) {
	return f.listBuckets(ctx)
}
func (f *fakeFleet) Allocate(ctx context.Context, bucketID string, count int, opts fleet.AllocateOptions) ([]fleet.Node, error) {
	return f.allocate(ctx, bucketID, count, opts)
}
func (f *fakeFleet) Bootup(ctx context.Context, nodes []fleet.Node) (string, error) {
	return f.bootup(ctx, nodes)
}
func (f *fakeFleet) Shutdown(ctx context.Context, nodes []fleet.Node) error {
	return f.shutdown(ctx, nodes)
}

type stateUpdate struct {
	name, state, reason string
}

type addrUpdate struct {
	name, addr, hostname string
}

type fakeScheduler struct {
	states []stateUpdate
	addrs  []addrUpdate
	fail   bool
}

func (f *fakeScheduler) UpdateNodeState(_ context.Context, name, state, reason string) error {
	if f.fail {
		return fmt.Errorf("scontrol unavailable")
	}
	f.states = append(f.states, stateUpdate{name, state, reason})
	return nil
}

func (f *fakeScheduler) UpdateNodeAddr(_ context.Context, name, addr, hostname string) error {
	if f.fail {
		return fmt.Errorf("scontrol unavailable")
	}
	f.addrs = append(f.addrs, addrUpdate{name, addr, hostname})
	return nil
}

func testEngine(fc fleet.Client, sc SchedulerControl) *Engine {
	e := NewEngine(fc, sc, testLogger)
	e.PollInterval = time.Millisecond
	e.RetryAttempts = 1
	return e
}

func TestCheckNodesClassification(t *testing.T) {
	sched := &fakeScheduler{}
	e := testEngine(&fakeFleet{}, sched)

	latest := []fleet.Node{
		{Name: "hpc-1", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted, PrivateIP: "10.0.0.1", Hostname: "vm-1"},
		{Name: "hpc-2", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted}, // no IP yet
		{Name: "hpc-3", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted},
		{Name: "hpc-4", Status: fleet.StatusFailed, TargetStatus: fleet.TargetStarted},
		{Name: "hpc-5", Status: fleet.StatusOff, TargetStatus: "Deallocated"},
	}
	names := []string{"hpc-1", "hpc-2", "hpc-3", "hpc-4", "hpc-5", "hpc-6"}

	result := e.CheckNodes(context.Background(), names, latest, NewMemory())

	assert.Equal(t, 5, result.Relevant) // hpc-6 is missing from the snapshot
	assert.Equal(t, 3, result.Settled)  // ready, failed, unexpected target
	assert.False(t, result.Terminal())
	assert.Equal(t, 1, result.States[StateReady])
	assert.Equal(t, 1, result.States[StateWaitingOnAddress])
	assert.Equal(t, 1, result.States[StateFailed])
	assert.Equal(t, 1, result.States["Acquiring"])
	assert.Equal(t, 1, result.States["Off (target=Deallocated)"])

	require.Len(t, result.Ready, 1)
	assert.Equal(t, "hpc-1", result.Ready[0].Name)
}

func TestCheckNodesFailureTransitionsFireOnce(t *testing.T) {
	sched := &fakeScheduler{}
	e := testEngine(&fakeFleet{}, sched)
	mem := NewMemory()

	failed := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusFailed, TargetStatus: fleet.TargetStarted}}

	e.CheckNodes(context.Background(), []string{"hpc-1"}, failed, mem)
	e.CheckNodes(context.Background(), []string{"hpc-1"}, failed, mem)
	require.Len(t, sched.states, 1)
	assert.Equal(t, stateUpdate{"hpc-1", "down", "cloud_node_failure"}, sched.states[0])
	assert.Equal(t, []string{"hpc-1"}, mem.FailedNames())

	recovered := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted}}
	e.CheckNodes(context.Background(), []string{"hpc-1"}, recovered, mem)
	e.CheckNodes(context.Background(), []string{"hpc-1"}, recovered, mem)
	require.Len(t, sched.states, 2)
	assert.Equal(t, stateUpdate{"hpc-1", "idle", "cloud_node_recovery"}, sched.states[1])
	assert.Empty(t, mem.FailedNames())
}

func TestCheckNodesSchedulerFailureDoesNotAbort(t *testing.T) {
	sched := &fakeScheduler{fail: true}
	e := testEngine(&fakeFleet{}, sched)

	latest := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusFailed, TargetStatus: fleet.TargetStarted}}
	result := e.CheckNodes(context.Background(), []string{"hpc-1"}, latest, NewMemory())
	assert.Equal(t, 1, result.States[StateFailed])
	assert.True(t, result.Terminal())
}

func TestCheckNodesRetriesDownCommandNextCycle(t *testing.T) {
	sched := &fakeScheduler{fail: true}
	e := testEngine(&fakeFleet{}, sched)
	mem := NewMemory()

	failed := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusFailed, TargetStatus: fleet.TargetStarted}}

	e.CheckNodes(context.Background(), []string{"hpc-1"}, failed, mem)
	assert.Empty(t, mem.FailedNames()) // not committed, the command never went through

	sched.fail = false
	e.CheckNodes(context.Background(), []string{"hpc-1"}, failed, mem)
	require.Len(t, sched.states, 1)
	assert.Equal(t, stateUpdate{"hpc-1", "down", "cloud_node_failure"}, sched.states[0])
	assert.Equal(t, []string{"hpc-1"}, mem.FailedNames())
}

func TestCheckNodesRetriesIdleCommandNextCycle(t *testing.T) {
	sched := &fakeScheduler{}
	e := testEngine(&fakeFleet{}, sched)
	mem := NewMemory()

	failed := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusFailed, TargetStatus: fleet.TargetStarted}}
	e.CheckNodes(context.Background(), []string{"hpc-1"}, failed, mem)
	require.Equal(t, []string{"hpc-1"}, mem.FailedNames())

	recovered := []fleet.Node{{Name: "hpc-1", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted}}

	sched.fail = true
	e.CheckNodes(context.Background(), []string{"hpc-1"}, recovered, mem)
	assert.Equal(t, []string{"hpc-1"}, mem.FailedNames()) // still remembered

	sched.fail = false
	e.CheckNodes(context.Background(), []string{"hpc-1"}, recovered, mem)
	require.Len(t, sched.states, 2)
	assert.Equal(t, stateUpdate{"hpc-1", "idle", "cloud_node_recovery"}, sched.states[1])
	assert.Empty(t, mem.FailedNames())
}

func TestWaitForResumeConverges(t *testing.T) {
	cycles := 0
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			cycles++
			if cycles < 3 {
				return []fleet.Node{
					{Name: "hpc-1", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted},
				}, nil
			}
			return []fleet.Node{
				{Name: "hpc-1", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted, PrivateIP: "10.0.0.1", Hostname: "vm-1"},
			}, nil
		},
	}
	sched := &fakeScheduler{}
	e := testEngine(fc, sched)

	require.NoError(t, e.WaitForResume(context.Background(), "op-1", []string{"hpc-1"}))
	assert.Equal(t, 3, cycles)
	require.Len(t, sched.addrs, 1)
	assert.Equal(t, addrUpdate{"hpc-1", "10.0.0.1", "vm-1"}, sched.addrs[0])
}

func TestWaitForResumeDeadlineIsNotAnError(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{
				{Name: "hpc-1", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted},
			}, nil
		},
	}
	sched := &fakeScheduler{}
	e := testEngine(fc, sched)
	e.Deadline = -time.Second

	require.NoError(t, e.WaitForResume(context.Background(), "op-1", []string{"hpc-1"}))
	assert.Empty(t, sched.addrs)
}

func TestWaitForResumeDeadlineStillUpdatesReadyNodes(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{
				{Name: "hpc-1", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted, PrivateIP: "10.0.0.1", Hostname: "vm-1"},
				{Name: "hpc-2", Status: fleet.StatusAcquiring, TargetStatus: fleet.TargetStarted},
			}, nil
		},
	}
	sched := &fakeScheduler{}
	e := testEngine(fc, sched)
	e.Deadline = -time.Second

	require.NoError(t, e.WaitForResume(context.Background(), "op-1", []string{"hpc-1", "hpc-2"}))
	require.Len(t, sched.addrs, 1)
	assert.Equal(t, addrUpdate{"hpc-1", "10.0.0.1", "vm-1"}, sched.addrs[0])
}

func TestWaitForResumeFatalOnInventoryExhaustion(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return nil, fmt.Errorf("fleet manager down")
		},
	}
	e := testEngine(fc, &fakeScheduler{})

	err := e.WaitForResume(context.Background(), "op-1", []string{"hpc-1"})
	var exhausted *fleet.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func TestWaitForResumeSkipsReadyNodesWithoutHostname(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{
				{Name: "hpc-1", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted, PrivateIP: "10.0.0.1"},
			}, nil
		},
	}
	sched := &fakeScheduler{}
	e := testEngine(fc, sched)

	require.NoError(t, e.WaitForResume(context.Background(), "op-1", []string{"hpc-1"}))
	assert.Empty(t, sched.addrs)
}

func resumePartitions() map[string]*partition.Partition {
	return map[string]*partition.Partition{
		"hpc": {
			Name:      "hpc",
			BucketID:  "b-hpc",
			IsHPC:     true,
			NodeNames: []string{"hpc-1", "hpc-2", "hpc-3", "hpc-4"},
		},
	}
}

func TestResumeAllocatesMissingNodes(t *testing.T) {
	var allocated []fleet.AllocateOptions
	var booted []fleet.Node
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{{Name: "hpc-1", BucketID: "b-hpc", Status: fleet.StatusOff}}, nil
		},
		allocate: func(_ context.Context, bucketID string, count int, opts fleet.AllocateOptions) ([]fleet.Node, error) {
			assert.Equal(t, "b-hpc", bucketID)
			assert.Equal(t, 1, count)
			allocated = append(allocated, opts)
			return []fleet.Node{{Name: opts.NodeName, BucketID: bucketID, Status: fleet.StatusOff}}, nil
		},
		bootup: func(_ context.Context, nodes []fleet.Node) (string, error) {
			booted = nodes
			return "op-42", nil
		},
	}
	e := testEngine(fc, &fakeScheduler{})

	opID, err := e.Resume(context.Background(), []string{"hpc-1", "hpc-3"}, resumePartitions(), false)
	require.NoError(t, err)
	assert.Equal(t, "op-42", opID)

	require.Len(t, allocated, 1)
	assert.Equal(t, fleet.AllocateOptions{NodeName: "hpc-3", Exclusive: true}, allocated[0])
	require.Len(t, booted, 2)
	assert.Equal(t, "hpc-1", booted[0].Name)
	assert.Equal(t, "hpc-3", booted[1].Name)
}

func TestResumeUnknownNodeName(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) { return nil, nil },
	}
	e := testEngine(fc, &fakeScheduler{})

	_, err := e.Resume(context.Background(), []string{"gpu-1"}, resumePartitions(), false)
	var unknown *UnknownNodeNameError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "gpu-1", unknown.Name)
}

func TestResumeGeneratesOperationID(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{{Name: "hpc-1", Status: fleet.StatusOff}}, nil
		},
		bootup: func(context.Context, []fleet.Node) (string, error) { return "", nil },
	}
	e := testEngine(fc, &fakeScheduler{})

	opID, err := e.Resume(context.Background(), []string{"hpc-1"}, resumePartitions(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, opID)
}

func TestSuspendPassesThroughUnknownNames(t *testing.T) {
	var shutdown []fleet.Node
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) {
			return []fleet.Node{{Name: "hpc-1", Status: fleet.StatusReady}}, nil
		},
		shutdown: func(_ context.Context, nodes []fleet.Node) error {
			shutdown = nodes
			return nil
		},
	}
	e := testEngine(fc, &fakeScheduler{})

	require.NoError(t, e.Suspend(context.Background(), []string{"hpc-1", "hpc-99"}))
	require.Len(t, shutdown, 1)
	assert.Equal(t, "hpc-1", shutdown[0].Name)
}

func TestSuspendAllUnknownIsNoop(t *testing.T) {
	fc := &fakeFleet{
		listNodes: func(context.Context) ([]fleet.Node, error) { return nil, nil },
		shutdown: func(context.Context, []fleet.Node) error {
			t.Fatal("shutdown should not be called")
			return nil
		},
	}
	e := testEngine(fc, &fakeScheduler{})
	require.NoError(t, e.Suspend(context.Background(), []string{"hpc-1"}))
}
