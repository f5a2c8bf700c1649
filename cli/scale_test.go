package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbus-hpc/slurmbridge/fleet"
	"github.com/nimbus-hpc/slurmbridge/partition"
)

func TestFutureCandidatesSkipRunningNodes(t *testing.T) {
	parts := map[string]*partition.Partition{
		"hpc": {Name: "hpc", NodeNames: []string{"hpc-1", "hpc-2", "hpc-3"}},
	}
	latest := []fleet.Node{
		{Name: "hpc-1", Status: fleet.StatusReady, TargetStatus: fleet.TargetStarted},
		{Name: "hpc-2", Status: fleet.StatusOff, TargetStatus: "Deallocated"},
		// hpc-3 does not exist in the fleet inventory
	}

	assert.Equal(t, []string{"hpc-2", "hpc-3"}, futureCandidates(parts, latest))
}

func TestFutureCandidatesEmptyInventoryParksEverything(t *testing.T) {
	parts := map[string]*partition.Partition{
		"htc": {Name: "htc", NodeNames: []string{"htc-1", "htc-2"}},
	}

	assert.Equal(t, []string{"htc-1", "htc-2"}, futureCandidates(parts, nil))
}
