package uplink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFramingRoundTrip verifies that encoding a message and decoding it
// back yields an identical opcode and payload.
func TestFramingRoundTrip(t *testing.T) {
	cases := []Message{
		{Op: OpHello, Payload: []byte{2}},
		{Op: OpRoutedData, Payload: nil},
		{Op: OpLogin, Payload: bytes.Repeat([]byte("x"), 300)},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, want))

		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Op, got.Op)
		if len(want.Payload) == 0 {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, want.Payload, got.Payload)
		}
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Op: OpPing}))
	// Corrupt the length prefix to claim an oversized message.
	data := buf.Bytes()
	data[0] = 0x7f
	_, err := ReadMessage(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestReadMessageRejectsZeroLength(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestSplitPluginName(t *testing.T) {
	payload := []byte{0, 0, 0, 3, 'f', 'o', 'o', 'h', 'i'}
	name, rest, err := splitPluginName(payload)
	require.NoError(t, err)
	assert.Equal(t, "foo", name)
	assert.Equal(t, []byte("hi"), rest)
}

func TestSplitPluginNameRejectsBadLength(t *testing.T) {
	_, _, err := splitPluginName([]byte{0, 0, 0, 99, 'a'})
	assert.Error(t, err)
}
