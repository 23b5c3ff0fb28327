package uplink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBackoffMonotonicallyDoubles verifies that repeated plain failures
// never decrease the reconnect delay and never exceed ReconnectMax.
func TestBackoffMonotonicallyDoubles(t *testing.T) {
	var b Backoff
	prev := b.NextPlain()
	assert.Equal(t, ReconnectBase, prev)

	for i := 0; i < 20; i++ {
		next := b.NextPlain()
		assert.GreaterOrEqual(t, next, prev)
		assert.LessOrEqual(t, next, ReconnectMax)
		prev = next
	}
	assert.Equal(t, ReconnectMax, prev)
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	var b Backoff
	b.NextPlain()
	b.NextPlain()
	b.Reset()
	assert.Equal(t, ReconnectBase, b.NextPlain())
}

func TestBackoffAuthFailIsFlatAndResets(t *testing.T) {
	var b Backoff
	b.NextPlain()
	b.NextPlain()
	assert.Equal(t, ReconnectAuthFail, b.NextAuthFail())
	assert.Equal(t, ReconnectBase, b.NextPlain(), "auth-fail resets the doubling sequence")
}
