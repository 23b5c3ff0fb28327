// Package capture defines the capture-source abstraction. The actual
// packet capture library is an external collaborator; this package only
// specifies the interface the core consumes — open one handle per
// direction, obtain a readable fd, dispatch frames with
// timestamp/length/raw bytes, and report per-interface drop counters —
// plus the per-interface silent-interface watchdog that is genuinely
// core logic.
package capture

import (
	"time"

	"github.com/cznic-net/ucollect-go/internal/packet"
)

// Frame is one captured packet as delivered by a Handle.
type Frame struct {
	Timestamp time.Time
	Raw       []byte
	Len       int // on-wire length, may exceed len(Raw) if snap-truncated
}

// Counters are the cumulative per-handle statistics a Handle reports.
type Counters struct {
	Recv   uint64
	Drop   uint64
	IfDrop uint64
}

// Handle is one opened (interface, direction) capture handle. The
// concrete implementation (libpcap, AF_PACKET, a test fake, ...) lives
// outside this module; cmd/ucollect registers each handle's fd with the
// reactor.
type Handle interface {
	// Fd returns a file descriptor that becomes readable when at least
	// one frame is pending.
	Fd() int
	// Dispatch reads up to maxPackets pending frames, invoking cb for
	// each. It returns the number of frames actually dispatched.
	Dispatch(maxPackets int, cb func(Frame)) (int, error)
	// LinkType reports the datalink framing this handle captures.
	LinkType() packet.LinkType
	// Stats returns cumulative counters since the handle was opened.
	Stats() (Counters, error)
	// Close releases the handle.
	Close() error
}

// Opener opens a capture handle for a named interface and direction.
// Implementations bind to whatever capture library is configured; the
// core only ever calls through this interface.
type Opener interface {
	Open(ifname string, promiscuous bool, dir packet.Direction) (Handle, error)
}

// Watchdog default tuning.
const (
	DefaultWindow       = 10 * time.Minute
	DefaultMissedLimit  = 5
	DefaultRetryBackoff = 10 * time.Second
)

// Watchdog tracks whether a handle has produced any frame within the
// current window; after DefaultMissedLimit consecutive silent windows
// it requests a full reconfiguration, recovering from an interface
// that silently went down without the capture library reporting an
// error.
type Watchdog struct {
	window  time.Duration
	limit   int
	missed  int
	seen    bool
	request func(retry bool)
}

// NewWatchdog constructs a Watchdog. request is invoked (from the
// reactor's timer callback, never concurrently) when the missed-window
// limit is reached.
func NewWatchdog(window time.Duration, limit int, request func(retry bool)) *Watchdog {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultMissedLimit
	}
	return &Watchdog{window: window, limit: limit, request: request}
}

// Window is the watchdog's configured check interval, for scheduling
// its periodic timer.
func (w *Watchdog) Window() time.Duration { return w.window }

// NoteFrame marks the current window as having seen traffic.
func (w *Watchdog) NoteFrame() { w.seen = true }

// Tick is called once per window by a reactor timer. If no frame was
// seen this window the miss counter grows; at the limit it fires the
// recovery request and resets.
func (w *Watchdog) Tick() {
	if w.seen {
		w.missed = 0
		w.seen = false
		return
	}
	w.missed++
	if w.missed >= w.limit {
		w.missed = 0
		if w.request != nil {
			w.request(false)
		}
	}
}

// MissedWindows reports the current consecutive-miss count, for tests
// and diagnostics.
func (w *Watchdog) MissedWindows() int { return w.missed }
