//go:build unix

package kasa

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenBroadcast opens a UDP socket with SO_BROADCAST set.
func listenBroadcast(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	return lc.ListenPacket(ctx, network, address)
}

func enableBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrSocketOption, err)
	}
	if sockErr != nil {
		return fmt.Errorf("%w: %w", ErrSocketOption, sockErr)
	}
	return nil
}
