package transport

import (
	"github.com/madara-run/madara/api"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/transport/broadcast"
	"github.com/madara-run/madara/transport/multicast"
	"github.com/madara-run/madara/transport/tcp"
	"github.com/madara-run/madara/transport/udp"
)

const defaultMaxRead = 65536

// NewBinding constructs the concrete Binding selected by s.Type, using
// s.Hosts as the transport-specific endpoint list (the first entry is
// this agent's own address):
//
//	UDP:       hosts[0] local bind, optional hosts[1] peer address
//	TCP:       hosts[0] listen address, or dial hosts[1] when present
//	           (listening blocks until one peer connects)
//	MULTICAST: hosts[0] group address, optional hosts[1] interface name
//	BROADCAST: hosts[0] local bind, hosts[1] broadcast address
//
// Types with no binding in this module (NONE, SPLICE, NDDS, ZMQ)
// return a NotSupported error.
func NewBinding(s settings.Settings) (Binding, error) {
	switch s.Type {
	case settings.TransportUDP:
		if len(s.Hosts) == 0 {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "udp transport requires a local host entry")
		}
		peer := ""
		if len(s.Hosts) > 1 {
			peer = s.Hosts[1]
		}
		return udp.Dial(s.Hosts[0], peer, defaultMaxRead)
	case settings.TransportTCP:
		if len(s.Hosts) > 1 {
			return tcp.Dial(s.Hosts[1])
		}
		if len(s.Hosts) == 0 {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "tcp transport requires a listen or peer host entry")
		}
		ln, err := tcp.Listen(s.Hosts[0], nil)
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		return ln.Accept()
	case settings.TransportMulticast:
		if len(s.Hosts) == 0 {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "multicast transport requires a group host entry")
		}
		iface := ""
		if len(s.Hosts) > 1 {
			iface = s.Hosts[1]
		}
		return multicast.Join(iface, s.Hosts[0], defaultMaxRead)
	case settings.TransportBroadcast:
		if len(s.Hosts) < 2 {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "broadcast transport requires local and broadcast host entries")
		}
		return broadcast.New(s.Hosts[0], s.Hosts[1], defaultMaxRead)
	default:
		return nil, api.NotSupportedErrorf("transport type %s has no binding in this module", s.Type)
	}
}
