package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathersEveryMetric(t *testing.T) {
	reg := Registry()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"repeatfs_blockcache_hits_total",
		"repeatfs_blockcache_misses_total",
		"repeatfs_blockcache_evictions_total",
		"repeatfs_procio_active_mediators",
		"repeatfs_descriptor_open_descriptors",
		"repeatfs_provenance_write_latency_seconds",
		"repeatfs_provenance_graph_build_latency_seconds",
		"repeatfs_provenance_replay_outcomes_total",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestRegistryCanBeBuiltRepeatedly(t *testing.T) {
	Registry()
	assert.NotPanics(t, func() { Registry() })
}
