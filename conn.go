package ftp

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// deadlineConn wraps a net.Conn and refreshes its read/write deadline
// before every operation from c.dataReadTimeout, so a stalled data
// transfer surfaces as a timeout rather than hanging forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// dialViaProxy dials addr through d, preferring its context-aware form
// when the dialer implements proxy.ContextDialer (as golang.org/x/net/proxy's
// SOCKS5 dialer does) so cancellation reaches a proxy handshake that never
// completes; otherwise it falls back to the blocking Dial, racing it
// against ctx in a goroutine.
func dialViaProxy(ctx context.Context, d proxy.Dialer, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := d.Dial("tcp", addr)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
