//go:build !linux

package multicast

import "syscall"

// reusePortControl is a no-op off Linux: SO_REUSEPORT is either
// unavailable or handled differently per platform, and a single agent
// process per host is the common case there.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
