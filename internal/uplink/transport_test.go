package uplink

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProcessTransportDialEchoesBytes spawns `cat` as a stand-in
// transport helper: whatever is written to its stdin comes back on its
// stdout, verifying the pipe wiring without depending on any real TLS
// helper binary being present.
func TestProcessTransportDialEchoesBytes(t *testing.T) {
	tr := NewProcessTransport("cat", nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}
