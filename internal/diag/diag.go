// Package diag exposes the on-device introspection surfaces: the
// mem_pool_stats diagnostic, plus the plugin-version manifest the
// uplink sends on every connect (opcode 'V'). Both are supplemented
// beyond the uplink-only surface: the original exposes mem_pool_stats
// only over the uplink as a plugin-style query; a local CBOR snapshot
// means the agent's own memory behavior can be inspected without a live
// uplink session.
//
// Grounded on bifaci/codec.go's single-CBOR-layer encode/decode pair
// (EncodeFrame/DecodeFrame's cbor.Marshal/Unmarshal calls) — reused here
// for a different payload shape but the same "one CBOR layer, no
// double-encoding" discipline.
package diag

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cznic-net/ucollect-go/internal/arena"
)

// MemPoolSnapshot is the CBOR-encodable mem_pool_stats payload: an
// opaque snapshot id (the handle returned by a mem_pool_stats snapshot)
// plus every live arena's counters.
type MemPoolSnapshot struct {
	SnapshotID string       `cbor:"snapshot_id"`
	Arenas     []arena.Stat `cbor:"arenas"`
}

// SnapshotMemPool captures the current global arena registry as a CBOR
// blob for the mem_pool_stats diagnostic.
func SnapshotMemPool() ([]byte, error) {
	snap := MemPoolSnapshot{
		SnapshotID: uuid.NewString(),
		Arenas:     arena.Stats(),
	}
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("diag: marshal mem pool snapshot: %w", err)
	}
	return data, nil
}

// DecodeMemPoolSnapshot reverses SnapshotMemPool, for tooling that reads
// back a previously captured blob.
func DecodeMemPoolSnapshot(data []byte) (MemPoolSnapshot, error) {
	var snap MemPoolSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return MemPoolSnapshot{}, fmt.Errorf("diag: unmarshal mem pool snapshot: %w", err)
	}
	return snap, nil
}

// PluginManifestEntry is one row of the plugin-version manifest the
// uplink sends with opcode 'V': name, version, hash prefix, library
// basename, and whether the plugin is currently active.
type PluginManifestEntry struct {
	Name      string `cbor:"name"`
	Version   int    `cbor:"version"`
	ShaPrefix string `cbor:"sha_prefix"`
	BaseName  string `cbor:"base_name"`
	Active    bool   `cbor:"active"`
}

// ManifestCache keeps the most recently sent manifest so the
// configurator can decide whether the set of plugins or their
// activation state changed before re-sending it, and serializes it as
// CBOR for the same local-introspection purpose as MemPoolSnapshot.
type ManifestCache struct {
	last []PluginManifestEntry
}

// NewManifestCache returns an empty cache; the first Update always
// reports changed=true.
func NewManifestCache() *ManifestCache { return &ManifestCache{} }

// Update replaces the cached manifest and reports whether it differs
// from the previously cached one (by length or by any field of any
// entry), driving the "whenever the set of plugins changes or
// activation changes" resend condition.
func (m *ManifestCache) Update(entries []PluginManifestEntry) (changed bool) {
	changed = !equalManifests(m.last, entries)
	m.last = append([]PluginManifestEntry(nil), entries...)
	return changed
}

// Current returns the cached manifest.
func (m *ManifestCache) Current() []PluginManifestEntry { return m.last }

// Encode serializes the cached manifest as CBOR.
func (m *ManifestCache) Encode() ([]byte, error) {
	data, err := cbor.Marshal(m.last)
	if err != nil {
		return nil, fmt.Errorf("diag: marshal plugin manifest: %w", err)
	}
	return data, nil
}

func equalManifests(a, b []PluginManifestEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
