// Package hwcrypto abstracts the hardware crypto chip used to answer
// the uplink server's login challenge. The original device carries a
// dedicated crypto chip (ATSHA204-class); here that is a narrow
// interface so the uplink engine never depends on a specific chip
// driver — a real deployment supplies its own implementation.
package hwcrypto

import "context"

// Chip answers a challenge with an HMAC-style response and reports its
// own serial number, mirroring the atsha_serial_number /
// atsha_challenge_response pair the original auth handshake calls.
type Chip interface {
	// SerialNumber returns this device's chip-assigned serial.
	SerialNumber(ctx context.Context) ([]byte, error)
	// ChallengeResponse computes the response to challenge, where
	// challenge is the server nonce concatenated with the device's
	// provisioned passphrase half.
	ChallengeResponse(ctx context.Context, challenge []byte) ([]byte, error)
}

// PassphraseHalf is the locally provisioned half of the challenge
// input the chip combines with the server's nonce, named for the
// original's PASSWD_HALF compile-time constant. Deployments supply
// their own value via configuration; this default exists only so a
// Chip implementation has something deterministic to test against.
var PassphraseHalf = [16]byte{}
