package uplink

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cznic-net/ucollect-go/internal/hwcrypto"
)

// AuthStatus mirrors the original uplink's auth_status state machine
// (NOT_STARTED / SENT / AUTHENTICATED / FAILED).
type AuthStatus int

const (
	AuthNotStarted AuthStatus = iota
	AuthSent
	AuthAuthenticated
	AuthFailed
)

func putString(dst []byte, s []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

// RespondChallenge answers a 'C' challenge message from the server: it
// sends back a session id (the process pid, so the server can tell a
// reconnect from its old stale session), then the chip's serial number
// and computed response as an 'L'ogin message, then an 'H'ello
// announcing the protocol version — reproducing the original's
// session-id / login / hello triple exactly.
func RespondChallenge(ctx context.Context, chip hwcrypto.Chip, serverNonce []byte, protocolVersion byte, send func(Message) error) error {
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], uint32(os.Getpid()))
	if err := send(Message{Op: OpSessionID, Payload: sid[:]}); err != nil {
		return fmt.Errorf("uplink: send session id: %w", err)
	}

	challenge := make([]byte, 0, len(serverNonce)+len(hwcrypto.PassphraseHalf))
	challenge = append(challenge, serverNonce...)
	challenge = append(challenge, hwcrypto.PassphraseHalf[:]...)

	response, err := chip.ChallengeResponse(ctx, challenge)
	if err != nil {
		return fmt.Errorf("uplink: compute challenge response: %w", err)
	}
	serial, err := chip.SerialNumber(ctx)
	if err != nil {
		return fmt.Errorf("uplink: read chip serial: %w", err)
	}

	login := make([]byte, 0, 8+len(serial)+len(response))
	login = putString(login, serial)
	login = putString(login, response)
	if err := send(Message{Op: OpLogin, Payload: login}); err != nil {
		return fmt.Errorf("uplink: send login: %w", err)
	}

	return send(Message{Op: OpHello, Payload: []byte{protocolVersion}})
}
