//go:build !linux

package ftp

import (
	"net"
	"time"
)

// tuneKeepAlive enables SO_KEEPALIVE on non-Linux platforms via the
// portable net.TCPConn API; the TCP_KEEPIDLE-level tuning in
// keepalive_linux.go has no portable equivalent.
func tuneKeepAlive(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
}
