package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimerFiresInDeadlineOrder verifies that timers fire in ascending
// deadline order regardless of insertion order, and a single Fire call
// at a given "now" never fires a timer scheduled later than now.
func TestTimerFiresInDeadlineOrder(t *testing.T) {
	w := NewTimerWheel()
	var fired []int

	w.Add(300, func() { fired = append(fired, 300) })
	w.Add(100, func() { fired = append(fired, 100) })
	w.Add(200, func() { fired = append(fired, 200) })
	w.Add(1000, func() { fired = append(fired, 1000) })

	w.Fire(250)
	assert.Equal(t, []int{100, 200}, fired)

	next, ok := w.Next()
	require.True(t, ok)
	assert.Equal(t, int64(300), next)

	w.Fire(300)
	assert.Equal(t, []int{100, 200, 300}, fired)
	assert.Equal(t, 1, w.Len())
}

func TestTimerCancelPreventsFiring(t *testing.T) {
	w := NewTimerWheel()
	fired := false
	id := w.Add(100, func() { fired = true })
	w.Cancel(id)
	w.Fire(200)
	assert.False(t, fired)
	assert.Equal(t, 0, w.Len())
}

func TestTimerCancelUnknownIDIsNoop(t *testing.T) {
	w := NewTimerWheel()
	assert.NotPanics(t, func() { w.Cancel(999) })
}

func TestTimerNextEmptyWheel(t *testing.T) {
	w := NewTimerWheel()
	_, ok := w.Next()
	assert.False(t, ok)
}
