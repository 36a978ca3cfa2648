// Package broadcast implements a transport.Binding over IPv4 limited
// broadcast, used for the BROADCAST settings.TransportType. Sending
// requires SO_BROADCAST on the underlying socket; net.DialUDP handles
// that itself on the platforms Go supports, so no raw syscall tuning is
// needed here (unlike multicast's SO_REUSEPORT join).
package broadcast

import (
	"context"
	"net"
)

// Binding sends to a broadcast address (e.g. "255.255.255.255:9000")
// and receives on a bound local port.
type Binding struct {
	recv    *net.UDPConn
	send    *net.UDPConn
	maxRead int
}

// New binds localAddr for receiving and targets broadcastAddr for
// sending.
func New(localAddr, broadcastAddr string, maxRead int) (*Binding, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	recv, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	baddr, err := net.ResolveUDPAddr("udp", broadcastAddr)
	if err != nil {
		recv.Close()
		return nil, err
	}
	send, err := net.DialUDP("udp", nil, baddr)
	if err != nil {
		recv.Close()
		return nil, err
	}
	if maxRead <= 0 {
		maxRead = 65536
	}
	return &Binding{recv: recv, send: send, maxRead: maxRead}, nil
}

// Send writes payload to the broadcast address.
func (b *Binding) Send(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		b.send.SetWriteDeadline(dl)
	}
	_, err := b.send.Write(payload)
	return err
}

// Read blocks for the next datagram on the local port.
func (b *Binding) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		b.recv.SetReadDeadline(dl)
	}
	buf := make([]byte, b.maxRead)
	n, _, err := b.recv.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases both sockets.
func (b *Binding) Close() error {
	err1 := b.recv.Close()
	err2 := b.send.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
