// Package tcp implements a transport.Binding over a TCP stream.
// Unlike UDP, a stream has no datagram boundaries, so each message is
// framed by the 8-byte little-endian size prefix wire.Encode already
// produces: read it once to learn the remaining length, then read
// exactly that many more bytes.
package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/madara-run/madara/affinity"
)

// Binding wraps one TCP connection, acting as either side of a peer
// link once the connection is established.
type Binding struct {
	conn net.Conn
}

// Dial connects to addr as the client side of a peer link.
func Dial(addr string) (*Binding, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Binding{conn: conn}, nil
}

// Listener accepts inbound peer connections, handing each back as a
// *Binding, with optional CPU pinning for the accepting goroutine.
type Listener struct {
	ln         net.Listener
	workerCPUs []int
}

// Listen binds addr and returns a Listener ready to Accept.
func Listen(addr string, workerCPUs []int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, workerCPUs: workerCPUs}, nil
}

// Accept blocks for the next inbound connection and returns it as a
// Binding. If workerCPUs was configured, the accepting goroutine is
// pinned to the first CPU in the list before returning.
func (l *Listener) Accept() (*Binding, error) {
	if len(l.workerCPUs) > 0 {
		if err := affinity.SetAffinity(l.workerCPUs[0]); err != nil {
			// Best effort: affinity pinning is a throughput hint, not
			// a correctness requirement.
			_ = err
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &Binding{conn: conn}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Send writes payload as a length-framed message. payload must already
// begin with the 8-byte size prefix wire.Encode produces.
func (b *Binding) Send(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(dl)
	}
	_, err := b.conn.Write(payload)
	return err
}

// Read blocks for the next length-framed message.
func (b *Binding) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetReadDeadline(dl)
	}
	var sizeBuf [8]byte
	if _, err := io.ReadFull(b.conn, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])
	if size < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	rest := make([]byte, size-8)
	if _, err := io.ReadFull(b.conn, rest); err != nil {
		return nil, err
	}
	full := make([]byte, size)
	copy(full, sizeBuf[:])
	copy(full[8:], rest)
	return full, nil
}

// Close closes the underlying connection.
func (b *Binding) Close() error { return b.conn.Close() }
