//go:build !linux

package ipc

import "net"

// GetPeerCredentials is not implemented off Linux.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, ErrUnsupported
}
