//go:build !windows

package upstream

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probeConn performs a non-blocking MSG_PEEK on the raw descriptor.
//
//	n > 0            buffered data (stale bytes from a previous exchange);
//	                 still alive, the next read will surface them
//	n == 0, err nil  orderly shutdown by the peer
//	EAGAIN           nothing pending, connection healthy
//	other errno      broken socket
func probeConn(nc net.Conn) bool {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	alive := true
	ctrlErr := raw.Control(func(fd uintptr) {
		var buf [1]byte
		n, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		case n == 0:
			alive = false
		}
	})
	if ctrlErr != nil {
		return false
	}
	return alive
}
