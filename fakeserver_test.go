package ftp

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// startFakeServer runs handle against the first accepted connection on an
// ephemeral loopback listener and returns its address. Used throughout
// this package's tests as a stand-in for a real FTP server, since this
// module has no server-side component to dial against.
func startFakeServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	return ln.Addr().String()
}

// fakeConn bundles a control socket with a line reader/writer so test
// handlers can script a conversation without repeating the boilerplate.
type fakeConn struct {
	net.Conn
	r *bufio.Reader
}

func newFakeConn(conn net.Conn) *fakeConn {
	return &fakeConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (f *fakeConn) send(t *testing.T, line string) {
	t.Helper()
	_, err := f.Conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

// expect reads one line and requires it to start with prefix, returning
// the full line for callers that need the rest of it (e.g. a path
// argument).
func (f *fakeConn) expect(t *testing.T, prefix string) string {
	t.Helper()
	line, err := f.r.ReadString('\n')
	require.NoError(t, err)
	line = strings.TrimRight(line, "\r\n")
	require.True(t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
	return line
}

// loginScript drives the greeting/USER/PASS exchange every fake server
// in this file needs before the test-specific part of the conversation.
func (f *fakeConn) loginScript(t *testing.T, greeting string) {
	t.Helper()
	f.send(t, greeting)
	f.expect(t, "USER")
	f.send(t, "331 need password")
	f.expect(t, "PASS")
	f.send(t, "230 logged in")
}

// pasvListener opens an ephemeral data listener on loopback and returns
// the 227 reply text a real server would send for it.
func pasvListener(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port := mustAtoi(t, portStr)
	arg, err := formatPORT("127.0.0.1", port)
	require.NoError(t, err)
	return ln, "227 Entering Passive Mode (" + arg + ")"
}

// epsvListener opens an ephemeral data listener on loopback and returns
// the 229 reply text a real server would send for it.
func epsvListener(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return ln, "229 Entering Extended Passive Mode (|||" + portStr + "|)"
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}
