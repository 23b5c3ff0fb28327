package uplink

import (
	"compress/zlib"
	"io"
)

// Tunnel wraps a transport connection with the streaming zlib
// compression layer placed between the message framing and the TLS
// transport. No third-party streaming-zlib package appears
// anywhere in the retrieved corpus, so this one layer is built
// directly on the standard library's compress/zlib — the single
// deliberate stdlib exception in this package, everything else here
// (framing shape, CBOR-ish length-prefix discipline) follows the
// pack's bifaci codec.
type Tunnel struct {
	r io.ReadCloser
	w *zlib.Writer
	c io.Closer
}

// NewTunnel wraps conn's read and write halves in independent zlib
// streams: a single logical connection carries two independent
// compression contexts, matching the original's separate inflate/
// deflate streams over one socket.
func NewTunnel(conn io.ReadWriteCloser) (*Tunnel, error) {
	zr, err := zlib.NewReader(conn)
	if err != nil {
		return nil, err
	}
	zw := zlib.NewWriter(conn)
	return &Tunnel{r: zr, w: zw, c: conn}, nil
}

func (t *Tunnel) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *Tunnel) Write(p []byte) (int, error) { return t.w.Write(p) }

// Flush pushes any buffered compressed output so the peer can decode
// without waiting for more data; called after every WriteMessage since
// the protocol is message-oriented, not a bulk stream.
func (t *Tunnel) Flush() error { return t.w.Flush() }

func (t *Tunnel) Close() error {
	werr := t.w.Close()
	rerr := t.r.Close()
	cerr := t.c.Close()
	if werr != nil {
		return werr
	}
	if rerr != nil {
		return rerr
	}
	return cerr
}
