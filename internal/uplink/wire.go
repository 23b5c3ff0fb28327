// Package uplink implements the protocol engine: a length-prefixed,
// type-tagged message stream carried over a streaming zlib tunnel,
// itself carried by a child TLS transport process. The
// wire framing and its CBOR-codec shape are grounded on the pack's
// frame/codec pair (length-prefix + typed payload, negotiated limits),
// generalized here to the single-byte opcode alphabet the original
// uplink protocol uses instead of a frame-type enum.
package uplink

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the wire message type, named for the single
// ASCII-letter tags the original protocol used on the wire.
type Opcode byte

// Outgoing opcodes (device -> server).
const (
	OpHello      Opcode = 'H' // protocol/program version, sent once after auth
	OpLogin      Opcode = 'L' // login/auth response
	OpSessionID  Opcode = 'S' // session-id acknowledgement
	OpPong       Opcode = 'p' // reply to server ping
	OpPing       Opcode = 'P' // liveness probe the device itself sends
	OpRoutedData Opcode = 'R' // plugin-originated payload, routed by plugin name
	OpError      Opcode = 'E' // routing/protocol error report
	OpConfig     Opcode = 'C' // config/auth handshake opener
)

// Incoming opcodes (server -> device).
const (
	InRoute     Opcode = 'R' // route payload to named plugin
	InPing      Opcode = 'P' // liveness probe from server
	InPong      Opcode = 'p' // reply to our ping
	InForceBye  Opcode = 'F' // server-requested disconnect
	InActivate  Opcode = 'A' // plugin activation manifest
	InChallenge Opcode = 'C' // auth challenge
)

// MaxMessageSize bounds a single decoded message, guarding against a
// corrupt or hostile length prefix before an allocation is made.
const MaxMessageSize = 16 << 20

// Message is one decoded uplink protocol message: an opcode byte
// followed by an opaque payload whose shape is opcode-specific.
type Message struct {
	Op      Opcode
	Payload []byte
}

// WriteMessage writes msg as a 4-byte big-endian length prefix (opcode
// + payload) followed by the opcode and payload bytes.
func WriteMessage(w io.Writer, msg Message) error {
	total := 1 + len(msg.Payload)
	if total > MaxMessageSize {
		return fmt.Errorf("uplink: message of %d bytes exceeds max %d", total, MaxMessageSize)
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(total))
	hdr[4] = byte(msg.Op)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return nil
	}
	_, err := w.Write(msg.Payload)
	return err
}

// ReadMessage reads one length-prefixed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total == 0 {
		return Message{}, fmt.Errorf("uplink: zero-length message (missing opcode)")
	}
	if total > MaxMessageSize {
		return Message{}, fmt.Errorf("uplink: message of %d bytes exceeds max %d", total, MaxMessageSize)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{Op: Opcode(body[0]), Payload: body[1:]}, nil
}
