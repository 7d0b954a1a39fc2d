//go:build !unix

package kasa

import (
	"context"
	"net"
)

// listenBroadcast opens a UDP socket. The Go runtime enables broadcast on
// datagram sockets on these platforms.
func listenBroadcast(ctx context.Context, network, address string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, network, address)
}
