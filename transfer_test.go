package ftp

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClient_Retrieve_ResumesOnMidStreamDisconnect verifies that a
// transport fault partway through a known-length download reissues REST
// at the current offset and splices a fresh data channel into the same
// byte stream rather than surfacing an error.
func TestClient_Retrieve_ResumesOnMidStreamDisconnect(t *testing.T) {
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { dataLn.Close() })
	_, portStr, err := net.SplitHostPort(dataLn.Addr().String())
	require.NoError(t, err)
	epsvReply := "229 Entering Extended Passive Mode (|||" + portStr + "|)"

	full := make([]byte, 1000)
	for i := range full {
		full[i] = byte(i % 256)
	}

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")

		f.expect(t, "EPSV")
		f.send(t, epsvReply)
		dataConn1, err := dataLn.Accept()
		require.NoError(t, err)
		f.expect(t, "RETR file.bin")
		f.send(t, "150 Opening data connection")
		_, err = dataConn1.Write(full[:400])
		require.NoError(t, err)
		dataConn1.Close()

		f.expect(t, "EPSV")
		f.send(t, epsvReply)
		dataConn2, err := dataLn.Accept()
		require.NoError(t, err)
		f.expect(t, "REST 400")
		f.send(t, "350 Restarting at 400")
		f.expect(t, "RETR file.bin")
		f.send(t, "150 Opening data connection")
		_, err = dataConn2.Write(full[400:])
		require.NoError(t, err)
		dataConn2.Close()

		f.send(t, "226 Transfer complete")
		f.expect(t, "QUIT")
		f.send(t, "221 bye")
	})

	c, err := Dial(context.Background(), addr,
		WithResumePolicy(ResumePolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond}))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "anonymous", "anonymous@"))

	var buf bytes.Buffer
	err = c.Retrieve(context.Background(), "file.bin", &buf, &TransferOptions{KnownSize: 1000})
	require.NoError(t, err)
	require.Equal(t, full, buf.Bytes())
	require.Equal(t, int64(1000), int64(buf.Len()))

	require.NoError(t, c.Quit(context.Background()))
}

// TestClient_Retrieve_DrainsNoopEchoesBeforeFinalReply verifies that
// keep-alive NOOPs injected mid-transfer are drained before the
// canonical final reply is consumed, and that the transfer itself still
// completes correctly.
func TestClient_Retrieve_DrainsNoopEchoesBeforeFinalReply(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 50)
	dataLn, epsvReply := epsvListener(t)

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")
		f.expect(t, "EPSV")
		f.send(t, epsvReply)

		dataConn, err := dataLn.Accept()
		require.NoError(t, err)

		f.expect(t, "RETR file.bin")
		f.send(t, "150 Opening data connection")

		noopCount := 0
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = conn.SetReadDeadline(time.Now().Add(15 * time.Millisecond))
				line, err := f.r.ReadString('\n')
				if err != nil {
					continue
				}
				line = strings.TrimRight(line, "\r\n")
				if strings.HasPrefix(line, "NOOP") {
					noopCount++
					f.send(t, "200 NOOP ok")
				}
			}
		}()

		// Dribble the payload out slowly so the client's chunk loop has
		// several opportunities to inject keep-alive NOOPs between reads.
		for i := 0; i < len(payload); i += 10 {
			end := i + 10
			if end > len(payload) {
				end = len(payload)
			}
			_, werr := dataConn.Write(payload[i:end])
			require.NoError(t, werr)
			time.Sleep(15 * time.Millisecond)
		}
		dataConn.Close()

		close(stop)
		<-done
		_ = conn.SetReadDeadline(time.Time{})

		f.send(t, "226 Transfer complete")
		f.expect(t, "QUIT")
		f.send(t, "221 bye")

		require.GreaterOrEqual(t, noopCount, 1, "expected at least one keep-alive NOOP during the slow transfer")
	})

	c, err := Dial(context.Background(), addr, WithIdleTimeout(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "anonymous", "anonymous@"))

	var buf bytes.Buffer
	require.NoError(t, c.Retrieve(context.Background(), "file.bin", &buf, nil))
	require.Equal(t, payload, buf.Bytes())

	require.NoError(t, c.Quit(context.Background()))
}

// TestClient_Retrieve_CancellationPropagatesWithoutResume verifies that
// canceling the caller's context mid-download raises cancellation
// without attempting resume, and closes the data channel rather than
// leaking it.
func TestClient_Retrieve_CancellationPropagatesWithoutResume(t *testing.T) {
	dataLn, epsvReply := epsvListener(t)
	payload := bytes.Repeat([]byte("y"), 200)

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		// Progress is set and KnownSize is not, so Retrieve asks for the
		// size before setting TYPE.
		f.expect(t, "SIZE file.bin")
		f.send(t, "213 200")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")
		f.expect(t, "EPSV")
		f.send(t, epsvReply)

		dataConn, err := dataLn.Accept()
		require.NoError(t, err)
		defer dataConn.Close()

		f.expect(t, "RETR file.bin")
		f.send(t, "150 Opening data connection")

		for i := 0; i < len(payload); i += 20 {
			end := i + 20
			if end > len(payload) {
				end = len(payload)
			}
			if _, werr := dataConn.Write(payload[i:end]); werr != nil {
				return
			}
			time.Sleep(30 * time.Millisecond)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, c.Login(ctx, "anonymous", "anonymous@"))

	var buf bytes.Buffer
	opts := &TransferOptions{
		Progress: func(transferred int64) {
			if transferred >= 20 {
				cancel()
			}
		},
	}
	err = c.Retrieve(ctx, "file.bin", &buf, opts)
	require.Error(t, err)
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
	require.Less(t, buf.Len(), len(payload), "cancellation must cut the transfer short")
}

// TestClient_RetrieveFile_ZeroByte_CreatesFileWhenOptionSet and its
// sibling below verify zero-byte download behavior for both settings of
// CreateEmptyFile.
func TestClient_RetrieveFile_ZeroByte_CreatesFileWhenOptionSet(t *testing.T) {
	dataLn, epsvReply := epsvListener(t)

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")
		f.expect(t, "EPSV")
		f.send(t, epsvReply)
		dataConn, err := dataLn.Accept()
		require.NoError(t, err)
		f.expect(t, "RETR empty.txt")
		f.send(t, "150 Opening data connection")
		dataConn.Close()
		f.send(t, "226 Transfer complete")
		f.expect(t, "QUIT")
		f.send(t, "221 bye")
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "anonymous", "anonymous@"))

	dst := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, c.RetrieveFile(context.Background(), "empty.txt", dst, &TransferOptions{CreateEmptyFile: true}))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Zero(t, info.Size())

	require.NoError(t, c.Quit(context.Background()))
}

func TestClient_RetrieveFile_ZeroByte_NoFileWhenOptionUnset(t *testing.T) {
	dataLn, epsvReply := epsvListener(t)

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")
		f.expect(t, "EPSV")
		f.send(t, epsvReply)
		dataConn, err := dataLn.Accept()
		require.NoError(t, err)
		f.expect(t, "RETR empty.txt")
		f.send(t, "150 Opening data connection")
		dataConn.Close()
		f.send(t, "226 Transfer complete")
		f.expect(t, "QUIT")
		f.send(t, "221 bye")
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "anonymous", "anonymous@"))

	dst := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, c.RetrieveFile(context.Background(), "empty.txt", dst, nil))

	_, err = os.Stat(dst)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, c.Quit(context.Background()))
}

// TestClient_Retrieve_BlockedPortRetries verifies that a PASV reply
// whose port is in the session's blocked set is discarded and
// negotiation retried.
func TestClient_Retrieve_BlockedPortRetries(t *testing.T) {
	blockedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { blockedLn.Close() })
	allowedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { allowedLn.Close() })

	_, blockedPortStr, err := net.SplitHostPort(blockedLn.Addr().String())
	require.NoError(t, err)
	blockedPort := mustAtoi(t, blockedPortStr)
	blockedArg, err := formatPORT("127.0.0.1", blockedPort)
	require.NoError(t, err)

	_, allowedPortStr, err := net.SplitHostPort(allowedLn.Addr().String())
	require.NoError(t, err)
	allowedPort := mustAtoi(t, allowedPortStr)
	allowedArg, err := formatPORT("127.0.0.1", allowedPort)
	require.NoError(t, err)

	payload := []byte("allowed port payload")

	addr := startFakeServer(t, func(conn net.Conn) {
		f := newFakeConn(conn)
		f.loginScript(t, "220 fake ftp ready")
		f.expect(t, "TYPE I")
		f.send(t, "200 Type set to I")

		f.expect(t, "FEAT")
		f.send(t, "211 End")

		f.expect(t, "PASV")
		f.send(t, "227 Entering Passive Mode ("+blockedArg+")")
		blockedConn, err := blockedLn.Accept()
		require.NoError(t, err)
		blockedConn.Close()

		f.expect(t, "PASV")
		f.send(t, "227 Entering Passive Mode ("+allowedArg+")")
		allowedConn, err := allowedLn.Accept()
		require.NoError(t, err)

		f.expect(t, "RETR file.bin")
		f.send(t, "150 Opening data connection")
		_, err = allowedConn.Write(payload)
		require.NoError(t, err)
		allowedConn.Close()

		f.send(t, "226 Transfer complete")
		f.expect(t, "QUIT")
		f.send(t, "221 bye")
	})

	c, err := Dial(context.Background(), addr,
		WithDataMode(PASV), WithBlockedPorts(blockedPort))
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background(), "anonymous", "anonymous@"))

	var buf bytes.Buffer
	require.NoError(t, c.Retrieve(context.Background(), "file.bin", &buf, nil))
	require.Equal(t, payload, buf.Bytes())

	require.NoError(t, c.Quit(context.Background()))
}
