package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic-net/ucollect-go/internal/arena"
)

func TestSnapshotMemPoolRoundTrips(t *testing.T) {
	a := arena.Create("diag-test")
	defer a.Destroy()
	a.Alloc(16)

	data, err := SnapshotMemPool()
	require.NoError(t, err)

	snap, err := DecodeMemPoolSnapshot(data)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SnapshotID)

	found := false
	for _, s := range snap.Arenas {
		if s.Name == "diag-test" {
			found = true
			assert.GreaterOrEqual(t, s.Allocs, uint64(1))
		}
	}
	assert.True(t, found)
}

func TestManifestCacheReportsChangeOnlyWhenDifferent(t *testing.T) {
	mc := NewManifestCache()

	entries := []PluginManifestEntry{{Name: "count", Version: 1, ShaPrefix: "abc", BaseName: "count.so", Active: true}}
	assert.True(t, mc.Update(entries))
	assert.False(t, mc.Update(entries))

	entries2 := []PluginManifestEntry{{Name: "count", Version: 1, ShaPrefix: "abc", BaseName: "count.so", Active: false}}
	assert.True(t, mc.Update(entries2))

	data, err := mc.Encode()
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
