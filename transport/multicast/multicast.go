// Package multicast implements a transport.Binding over IP multicast,
// used for the MULTICAST settings.TransportType. Group membership is
// joined via net.ListenMulticastUDP; on Linux, SO_REUSEPORT is set
// through golang.org/x/sys/unix (see reuseport_linux.go) so several
// agent processes on one host can all join the same group.
package multicast

import (
	"context"
	"net"

	"github.com/madara-run/madara/api"
)

// Binding sends to and receives from one multicast group.
type Binding struct {
	recv    *net.UDPConn
	send    *net.UDPConn
	group   *net.UDPAddr
	maxRead int
}

// Join binds ifaceName (empty for the default interface) to groupAddr
// (e.g. "239.255.0.1:9000") for both sending and receiving.
func Join(ifaceName, groupAddr string, maxRead int) (*Binding, error) {
	group, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return nil, err
	}
	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, err
		}
	}

	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", groupAddr)
	if err != nil {
		return nil, err
	}
	recv, err := net.ListenMulticastUDP("udp", iface, group)
	if err != nil {
		pc.Close()
		return nil, err
	}
	pc.Close() // was only needed to claim SO_REUSEPORT before the real listen

	send, err := net.DialUDP("udp", nil, group)
	if err != nil {
		recv.Close()
		return nil, err
	}
	if maxRead <= 0 {
		maxRead = 65536
	}
	return &Binding{recv: recv, send: send, group: group, maxRead: maxRead}, nil
}

// Send writes payload to the multicast group.
func (b *Binding) Send(ctx context.Context, payload []byte) error {
	if b.send == nil {
		return api.NotSupportedErrorf("multicast: binding not configured to send")
	}
	if dl, ok := ctx.Deadline(); ok {
		b.send.SetWriteDeadline(dl)
	}
	_, err := b.send.Write(payload)
	return err
}

// Read blocks for the next datagram on the joined group.
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
