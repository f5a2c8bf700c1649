package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cluster, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cluster)
	assert.Equal(t, "/etc/slurm", cluster.SchedDir)
	assert.Equal(t, Duration(5*time.Second), cluster.PollInterval)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slurmbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sched_dir: /sched
autoscale: false
dampen_memory_percent: 5
poll_interval: 10s
resume_deadline: 30m
node_arrays:
  hpc:
    placement_group_buffer: 3
  htc: {}
`), 0644))

	cluster, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/sched", cluster.SchedDir)
	require.NotNil(t, cluster.Autoscale)
	assert.False(t, *cluster.Autoscale)
	assert.Equal(t, 5, cluster.DampenMemoryPercent)
	assert.Equal(t, Duration(10*time.Second), cluster.PollInterval)
	assert.Equal(t, Duration(30*time.Minute), cluster.ResumeDeadline)
	assert.Equal(t, 5, cluster.RetryAttempts) // untouched default

	assert.Equal(t, map[string]int{"hpc": 3}, cluster.BufferOverrides())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slurmbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: soon\n"), 0644))

	_, err := Load(path)
	require.ErrorContains(t, err, "invalid duration")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slurmbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sched_dir: [\n"), 0644))

	_, err := Load(path)
	require.ErrorContains(t, err, "failed to parse")
}
