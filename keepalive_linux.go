//go:build linux

package ftp

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepAlive enables SO_KEEPALIVE on a data socket and, on Linux,
// tunes TCP_KEEPIDLE beyond what net.Dialer.KeepAlive exposes. Failures
// are not fatal: a data transfer that can't get keepalive tuning still
// works, it's just slower to notice a half-open peer.
func tuneKeepAlive(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
	})
}
