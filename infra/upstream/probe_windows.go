//go:build windows

package upstream

import "net"

// probeConn has no cheap readiness check on this platform; dead sockets are
// caught by the dispatcher's write-failure retry instead.
func probeConn(nc net.Conn) bool {
	return nc != nil
}
