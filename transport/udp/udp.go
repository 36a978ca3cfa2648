// Package udp implements a plain point-to-point UDP transport.Binding:
// each wire.Encode'd message is exactly one datagram, so no additional
// framing is needed beyond what UDP already guarantees (datagram
// boundaries are preserved end to end).
package udp

import (
	"context"
	"net"

	"github.com/madara-run/madara/api"
)

// Binding sends to a fixed peer address and receives on a bound local
// socket.
type Binding struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	maxRead int
}

// Dial creates a UDP binding listening on localAddr and sending to
// peerAddr. Either may be empty: an empty localAddr binds an ephemeral
// port, and an empty peerAddr means Send requires WriteTo semantics are
// not supported; callers that only read should pass "".
func Dial(localAddr, peerAddr string, maxRead int) (*Binding, error) {
	var laddr *net.UDPAddr
	var err error
	if localAddr != "" {
		laddr, err = net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, err
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	var peer *net.UDPAddr
	if peerAddr != "" {
		peer, err = net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	if maxRead <= 0 {
		maxRead = 65536
	}
	return &Binding{conn: conn, peer: peer, maxRead: maxRead}, nil
}

// Send writes payload as a single UDP datagram to the configured peer.
func (b *Binding) Send(ctx context.Context, payload []byte) error {
	if b.peer == nil {
		return api.NotSupportedErrorf("udp: binding has no peer address configured for Send")
	}
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(dl)
	}
	_, err := b.conn.WriteToUDP(payload, b.peer)
	return err
}

// Read blocks for the next datagram.
func (b *Binding) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetReadDeadline(dl)
	}
	buf := make([]byte, b.maxRead)
	n, _, err := b.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the underlying socket.
func (b *Binding) Close() error { return b.conn.Close() }
