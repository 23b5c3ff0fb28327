package uplink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cznic-net/ucollect-go/internal/hwcrypto"
	"github.com/cznic-net/ucollect-go/internal/logx"
)

// Transport opens the byte-stream connection a Session runs its
// message framing over. The real implementation delegates to a child
// process that terminates TLS; tests supply an in-memory pipe.
type Transport interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// Router delivers a routed-data payload to the named plugin. Outgoing
// plugin-originated messages do not pass through Router; they are queued
// with Enqueue. The plugin host satisfies this; Session never knows about plugins
// beyond a name and a byte slice.
type Router interface {
	Deliver(pluginName string, payload []byte) error
}

// Config holds the tunables a Session needs beyond the defaults in
// backoff.go.
type Config struct {
	RemoteName     string
	StatusFile     string
	ProtocolVer    byte
	LoginFailLimit int
}

// Session drives one uplink connection end to end: dial, zlib tunnel,
// opcode dispatch, authentication, ping liveness, and reconnect
// backoff. It is built to be driven from a single goroutine per
// connection attempt, matching the original's single-threaded event
// loop discipline translated into Go's per-goroutine-owns-its-state
// idiom instead of shared mutable state guarded by a mutex.
type Session struct {
	cfg       Config
	transport Transport
	chip      hwcrypto.Chip
	router    Router
	log       logx.Logger

	backoff        Backoff
	loginFailures  int
	auth           AuthStatus
	pingsUnanswered int

	outbox chan Message
}

// outboxSize bounds how many outgoing messages (plugin-originated data,
// manifest resends, pings) may be queued ahead of a slow or stalled
// connection before Enqueue starts rejecting new ones.
const outboxSize = 64

// NewSession constructs a Session. chip and router may be nil in tests
// that only exercise framing and backoff.
func NewSession(cfg Config, transport Transport, chip hwcrypto.Chip, router Router, log logx.Logger) *Session {
	if cfg.LoginFailLimit <= 0 {
		cfg.LoginFailLimit = LoginFailLimit
	}
	return &Session{cfg: cfg, transport: transport, chip: chip, router: router, log: log, outbox: make(chan Message, outboxSize)}
}

// Enqueue queues msg for the running Run loop to frame and send on the
// live connection. It never blocks: a full outbox (a stalled or absent
// connection) reports an error immediately rather than piling up an
// unbounded backlog of stale telemetry.
func (s *Session) Enqueue(msg Message) error {
	select {
	case s.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("uplink: outbound queue full, dropping opcode %q", msg.Op)
	}
}

// Status reports the connection's current high-level state for the
// status file / diagnostics.
func (s *Session) Status() Status {
	switch s.auth {
	case AuthAuthenticated:
		return StatusOnline
	case AuthFailed:
		return StatusBadAuth
	default:
		return StatusConnecting
	}
}

// Run performs a single connect-authenticate-serve attempt. It returns
// when the connection drops or is rejected; the caller (cmd/ucollect's
// runUplink loop) decides whether to call Run again and after what
// delay, using NextDelay to compute it from the error Run returns.
func (s *Session) Run(ctx context.Context) error {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("uplink: dial: %w", err)
	}
	defer conn.Close()

	tun, err := NewTunnel(conn)
	if err != nil {
		return fmt.Errorf("uplink: tunnel setup: %w", err)
	}
	defer tun.Close()

	s.auth = AuthNotStarted
	_ = WriteStatusFile(s.cfg.StatusFile, s.Status(), time.Now())

	send := func(m Message) error {
		if err := WriteMessage(tun, m); err != nil {
			return err
		}
		return tun.Flush()
	}

	// ReadMessage blocks on the tunnel's underlying connection, so it is
	// run on its own goroutine and fed into a channel; that lets the
	// main loop below select between an incoming message and a queued
	// outgoing one instead of only ever reacting to the server. Closing
	// conn (deferred above) unblocks a pending read on return.
	type readResult struct {
		msg Message
		err error
	}
	incoming := make(chan readResult)
	stopReader := make(chan struct{})
	defer close(stopReader)
	go func() {
		for {
			msg, err := ReadMessage(tun)
			select {
			case incoming <- readResult{msg, err}:
			case <-stopReader:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out := <-s.outbox:
			if err := send(out); err != nil {
				return fmt.Errorf("uplink: write: %w", err)
			}

		case r := <-incoming:
			if r.err != nil {
				return fmt.Errorf("uplink: read: %w", r.err)
			}
			if err := s.handle(ctx, r.msg, send); err != nil {
				return err
			}
			if s.auth == AuthFailed {
				return fmt.Errorf("uplink: server rejected authentication")
			}
			_ = WriteStatusFile(s.cfg.StatusFile, s.Status(), time.Now())
		}
	}
}

func (s *Session) handle(ctx context.Context, msg Message, send func(Message) error) error {
	if s.auth == AuthNotStarted && msg.Op == InChallenge {
		if s.chip == nil {
			return fmt.Errorf("uplink: received challenge but no crypto chip configured")
		}
		s.auth = AuthSent
		if err := RespondChallenge(ctx, s.chip, msg.Payload, s.cfg.ProtocolVer, send); err != nil {
			s.loginFailures++
			if s.loginFailures >= s.cfg.LoginFailLimit {
				return fmt.Errorf("uplink: too many login failures, giving up")
			}
			return err
		}
		return nil
	}
	if s.auth == AuthSent && msg.Op != InForceBye {
		s.auth = AuthAuthenticated
		s.backoff.Reset()
	}

	switch msg.Op {
	case InPing:
		return send(Message{Op: OpPong, Payload: msg.Payload})
	case InPong:
		s.pingsUnanswered = 0
		return nil
	case InForceBye:
		s.auth = AuthFailed
		return nil
	case InRoute:
		if s.router == nil {
			return nil
		}
		name, payload, err := splitPluginName(msg.Payload)
		if err != nil {
			return send(Message{Op: OpError, Payload: append([]byte("P"), []byte(err.Error())...)})
		}
		if err := s.router.Deliver(name, payload); err != nil {
			return send(Message{Op: OpError, Payload: append([]byte("P"), []byte(err.Error())...)})
		}
		return nil
	case InActivate:
		// Plugin activation list: ignored. No plugin's activation state
		// is changed by it.
		return nil
	default:
		s.log.Warn().Str("opcode", string(rune(msg.Op))).Msg("uplink: unknown opcode from server")
		return nil
	}
}

// splitPluginName parses the length-prefixed plugin name that prefixes
// a routed-data payload (mirrors the original's 'R' handler layout:
// name string followed by the remaining bytes as the plugin payload).
func splitPluginName(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, fmt.Errorf("routed message too short")
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if n < 0 || 4+n > len(payload) {
		return "", nil, fmt.Errorf("routed message name length out of range")
	}
	return string(payload[4 : 4+n]), payload[4+n:], nil
}

// NextDelay computes the reconnect delay to apply after Run returned
// err, distinguishing an authentication rejection (flat long delay)
// from any other failure (doubling backoff).
func (s *Session) NextDelay(err error) time.Duration {
	if s.auth == AuthFailed {
		return s.backoff.NextAuthFail()
	}
	return s.backoff.NextPlain()
}

// SendPing emits a liveness probe and counts it as unanswered until a
// pong arrives. Run never sends pings and nothing in this module calls
// SendPing, so no PingInterval/PingMissLimit liveness check runs.
func (s *Session) SendPing(send func(Message) error, payload []byte) error {
	s.pingsUnanswered++
	return send(Message{Op: OpPing, Payload: payload})
}

// PingsUnanswered reports the current consecutive-unanswered-ping
// count; a pong resets it to zero.
func (s *Session) PingsUnanswered() int { return s.pingsUnanswered }
