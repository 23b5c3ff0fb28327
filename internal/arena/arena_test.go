package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocWritableAndDistinct(t *testing.T) {
	a := Create("test")
	defer a.Destroy()

	b1 := a.Alloc(16)
	b2 := a.Alloc(16)
	require.Len(t, b1, 16)
	require.Len(t, b2, 16)

	b1[0] = 0xAA
	assert.NotEqual(t, b1[0], b2[0], "distinct allocations must not alias")
}

// TestResetPurity verifies that allocating, resetting, then allocating
// the same sequence again yields allocations whose aligned capacities
// match those of a fresh arena.
func TestResetPurity(t *testing.T) {
	sizes := []int{3, 17, 64, 4100, 9, 1}

	fresh := Create("fresh")
	defer fresh.Destroy()
	var freshAddrs []int
	for _, s := range sizes {
		buf := fresh.Alloc(s)
		freshAddrs = append(freshAddrs, cap(buf))
	}

	reused := Create("reused")
	defer reused.Destroy()
	for _, s := range sizes {
		reused.Alloc(s)
	}
	reused.Reset()

	var reusedAddrs []int
	for _, s := range sizes {
		buf := reused.Alloc(s)
		reusedAddrs = append(reusedAddrs, cap(buf))
	}

	assert.Equal(t, freshAddrs, reusedAddrs)
}

func TestResetInvalidatesLogicalContent(t *testing.T) {
	a := Create("t")
	defer a.Destroy()

	b := a.Alloc(8)
	copy(b, "deadbeef")
	a.Reset()

	b2 := a.Alloc(8)
	assert.Equal(t, make([]byte, 8), b2, "reset must zero reused pages' logical content")
}

func TestOversizeAllocationDoesNotCorruptNormalPage(t *testing.T) {
	a := Create("t")
	defer a.Destroy()

	small := a.Alloc(8)
	copy(small, []byte("12345678"))
	big := a.Alloc(pageSize * 2)
	assert.Len(t, big, pageSize*2)
	assert.Equal(t, []byte("12345678"), small)
}

func TestStrdupAndPrintf(t *testing.T) {
	a := Create("t")
	defer a.Destroy()

	s := a.Strdup("hello")
	assert.Equal(t, "hello", s)

	f := a.Printf("%s-%d", "x", 7)
	assert.Equal(t, "x-7", f)
}

func TestHex(t *testing.T) {
	a := Create("t")
	defer a.Destroy()
	assert.Equal(t, "deadbeef", a.Hex([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestStatsReportsLiveArenas(t *testing.T) {
	a := Create("stats-test")
	a.Alloc(32)
	found := false
	for _, s := range Stats() {
		if s.Name == "stats-test" {
			found = true
			assert.Equal(t, uint64(1), s.Allocs)
			assert.Equal(t, uint64(32), s.Bytes)
		}
	}
	assert.True(t, found)
	a.Destroy()

	for _, s := range Stats() {
		assert.NotEqual(t, "stats-test", s.Name)
	}
}
