package ftp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// PassiveMaxAttempts bounds how many times the Data Channel Factory will
// retry endpoint negotiation when the resolved port is in the session's
// blocked-port set.
const PassiveMaxAttempts = 5

// DataChannel is the secondary connection carrying one transfer's bytes.
// It is born holding the preliminary (1xx) reply to the command that
// opened it and holds a non-owning back-reference to the Client so that
// Finish can read the control channel's final reply after closing the
// socket.
type DataChannel struct {
	conn        net.Conn
	client      *Client
	Preliminary *Reply

	// presetFinal is set only for the empty-directory NLST quirk: the
	// server's only reply to the transfer command is already the final
	// one, so Finish must return it directly instead of trying to read a
	// second reply that will never arrive.
	presetFinal *Reply

	bytesRead    int64
	bytesWritten int64
}

func (d *DataChannel) Read(p []byte) (int, error) {
	n, err := d.conn.Read(p)
	d.bytesRead += int64(n)
	return n, err
}

func (d *DataChannel) Write(p []byte) (int, error) {
	n, err := d.conn.Write(p)
	d.bytesWritten += int64(n)
	return n, err
}

// Close closes the underlying socket only. Callers that want the
// control channel's final reply reconciled must call Finish instead;
// Close exists for abort/cancellation paths that must not block on a
// server that will never reply.
func (d *DataChannel) Close() error { return d.conn.Close() }

// Finish closes the data socket and reads exactly one final reply from
// the control channel. noopsInFlight lets the Transfer Engine tell
// Finish how many keep-alive NOOP echoes to drain before treating the
// next reply as canonical.
func (d *DataChannel) Finish(ctx context.Context, noopsInFlight int) (*Reply, error) {
	if d.presetFinal != nil {
		d.conn.Close()
		return d.presetFinal, finalReplyError(d.presetFinal)
	}

	closeErr := d.conn.Close()

	for i := 0; i < noopsInFlight; i++ {
		reply, err := d.client.ReadReply(ctx)
		if err != nil {
			break
		}
		if !strings.Contains(strings.ToUpper(reply.Message), "NOOP") {
			// Not a NOOP echo after all; treat it as the final reply.
			d.client.DrainStaleData(20*time.Millisecond, 20*time.Millisecond)
			if closeErr != nil {
				return reply, &TransportError{Op: "close data channel", Err: closeErr}
			}
			return reply, finalReplyError(reply)
		}
	}

	reply, err := d.client.ReadReply(ctx)
	if err != nil {
		if closeErr != nil {
			return nil, &TransportError{Op: "close data channel", Err: closeErr}
		}
		// Some servers never send a final reply once the transfer is
		// done; a read timeout here is absorbed silently.
		if _, ok := err.(*TimeoutError); ok {
			return &Reply{Code: 226, Message: "transfer presumed complete (no final reply)", Class: ClassPositiveCompletion}, nil
		}
		return nil, err
	}

	d.client.DrainStaleData(20*time.Millisecond, 20*time.Millisecond)

	if closeErr != nil {
		return reply, &TransportError{Op: "close data channel", Err: closeErr}
	}
	return reply, finalReplyError(reply)
}

func finalReplyError(reply *Reply) error {
	if reply.Is2xx() {
		return nil
	}
	return &CommandError{Command: "DATA_TRANSFER", Response: reply.Message, Code: reply.Code}
}

// dataChannelOptions carries the per-call parameters the Data Channel
// Factory needs: the requested mode, the transfer command to bind once
// the socket is up, and the restart offset, plus the flags the factory
// must consult along the way.
type dataChannelOptions struct {
	mode            DataMode
	transferCommand string
	restart         int64
	tlsRequested    bool
}

// openDataChannel is the Data Channel Factory entry point: it negotiates
// a passive or active data connection, issues PRET/REST as needed,
// connects or accepts the socket, activates TLS if requested, and binds
// the follow-up transfer command, returning a DataChannel already
// holding that command's preliminary reply.
func (c *Client) openDataChannel(ctx context.Context, opts dataChannelOptions) (*DataChannel, error) {
	mode := c.resolveMode(opts.mode)

	var conn net.Conn
	var err error
	attempts := 0

	for {
		attempts++
		conn, mode, err = c.negotiateEndpoint(ctx, mode, opts.transferCommand)
		if err != nil {
			return nil, err
		}
		port := remotePort(conn)
		if !c.session.isBlocked(port) {
			break
		}
		conn.Close()
		if attempts >= PassiveMaxAttempts {
			return nil, &TransportError{Op: "data connect", Err: &ParseError{Input: strconv.Itoa(port), Reason: "no unblocked port available"}}
		}
	}

	if opts.restart > 0 {
		if !(c.proxyDialer != nil && c.restartWouldBeNoop(ctx, opts)) {
			if _, err := c.expectCode(ctx, 350, "REST", strconv.FormatInt(opts.restart, 10)); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	reply, err := c.Execute(ctx, opts.transferCommand)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if isEmptyDirNLSTQuirk(opts.transferCommand, reply) {
		conn.Close()
		synthetic := &Reply{Code: 226, Message: "NLST empty directory (quirk swallowed)", Class: ClassPositiveCompletion}
		return &DataChannel{conn: nopConn{}, client: c, Preliminary: reply, presetFinal: synthetic}, nil
	}

	if !reply.Preliminary() && !reply.Is2xx() {
		conn.Close()
		return nil, &CommandError{Command: opts.transferCommand, Response: reply.Message, Code: reply.Code}
	}

	if opts.tlsRequested && !c.disableDataProtection && c.session.dataConnectionEncryption && !c.session.ftpsFailureLatched {
		tlsConn, err := c.handshakeTLS(ctx, conn, c.dataTLSConfig())
		if err != nil {
			c.session.ftpsFailureLatched = true
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	dc := &DataChannel{conn: conn, client: c, Preliminary: reply}
	c.mu.Lock()
	c.activeData = dc
	c.mu.Unlock()
	return dc, nil
}

// isEmptyDirNLSTQuirk reports a server quirk where an empty directory
// makes NLST answer with 550 instead of opening a data connection at
// all. It is swallowed uniformly rather than surfaced as an error.
func isEmptyDirNLSTQuirk(cmd string, reply *Reply) bool {
	return strings.HasPrefix(cmd, "NLST") && reply.Code == 550 && strings.TrimSpace(reply.Message) == "No files found."
}

type nopConn struct{ net.Conn }

func (nopConn) Read([]byte) (int, error)  { return 0, io.EOF }
func (nopConn) Write([]byte) (int, error) { return 0, io.EOF }
func (nopConn) Close() error              { return nil }

// resolveMode upgrades a PASV/PASVEX request to EPSV, and PORT to EPRT,
// whenever the control connection's local endpoint is IPv6; RFC 1579
// PASV has no IPv6 form, so there is nothing to fall back to.
func (c *Client) resolveMode(mode DataMode) DataMode {
	if !c.localIsIPv6() {
		return mode
	}
	switch mode {
	case PASV, PASVEX, AutoPassive:
		return EPSV
	case PORT, AutoActive:
		return EPRT
	default:
		return mode
	}
}

func (c *Client) localIsIPv6() bool {
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return false
	}
	return isIPv6Addr(host)
}

func (c *Client) controlRemoteHost() string {
	host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	return host
}

// negotiateEndpoint runs exactly one pass of the passive or active
// negotiation algorithm, returning the connected data socket. On an
// EPSV/EPRT failure eligible for fallback it recurses into the
// PASV/PORT sibling and returns the mode actually used so the caller
// can re-check the blocked-port set against the right reply. transferCmd
// is the follow-up command (e.g. "RETR path") the PASV/PASVEX path needs
// for its optional PRET hint; EPSV never issues PRET.
func (c *Client) negotiateEndpoint(ctx context.Context, mode DataMode, transferCmd string) (net.Conn, DataMode, error) {
	switch mode {
	case EPSV, AutoPassive:
		if c.session.epsvUnsupported && mode == AutoPassive {
			return c.negotiateEndpoint(ctx, PASV, transferCmd)
		}
		conn, err := c.openPassiveEPSV(ctx)
		if err != nil {
			if _, ok := asCommandFallbackEligible(err); ok && mode == AutoPassive && !c.localIsIPv6() {
				c.session.epsvUnsupported = true
				return c.negotiateEndpoint(ctx, PASV, transferCmd)
			}
			return nil, mode, err
		}
		return conn, EPSV, nil

	case PASV, PASVEX:
		if c.localIsIPv6() {
			return nil, mode, &ArgumentError{Arg: "mode", Reason: "PASV/PASVEX do not support an IPv6 local endpoint"}
		}
		conn, err := c.openPassivePASV(ctx, mode == PASVEX, transferCmd)
		return conn, mode, err

	case EPRT, AutoActive:
		conn, err := c.openActiveEPRT(ctx)
		if err != nil {
			if _, ok := asCommandFallbackEligible(err); ok && mode == AutoActive && !c.localIsIPv6() {
				return c.negotiateEndpoint(ctx, PORT, transferCmd)
			}
			return nil, mode, err
		}
		return conn, EPRT, nil

	case PORT:
		conn, err := c.openActivePORT(ctx)
		return conn, PORT, err

	default:
		return nil, mode, &ArgumentError{Arg: "mode", Reason: "unknown data mode"}
	}
}

// asCommandFallbackEligible reports whether err is a CommandError with a
// 4xx/5xx code, the only class of error the factory may recover from by
// falling back to a sibling mode.
func asCommandFallbackEligible(err error) (*CommandError, bool) {
	ce, ok := err.(*CommandError)
	if !ok || !(ce.Is4xx() || ce.Is5xx()) {
		return nil, false
	}
	return ce, true
}

func (c *Client) openPassiveEPSV(ctx context.Context) (net.Conn, error) {
	reply, err := c.Execute(ctx, "EPSV")
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return nil, &CommandError{Command: "EPSV", Response: reply.Message, Code: reply.Code}
	}
	port, err := parseEPSVReply(reply.Message)
	if err != nil {
		return nil, err
	}
	return c.dialData(ctx, net.JoinHostPort(c.controlRemoteHost(), strconv.Itoa(port)))
}

func (c *Client) openPassivePASV(ctx context.Context, pasvex bool, transferCmd string) (net.Conn, error) {
	if c.HasFeature(ctx, "PRET") {
		if _, err := c.expect2xx(ctx, "PRET", transferCmd); err != nil {
			if _, ok := asCommandFallbackEligible(err); !ok {
				return nil, err
			}
		}
	}
	cmd := "PASV"
	reply, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return nil, &CommandError{Command: cmd, Response: reply.Message, Code: reply.Code}
	}
	host, port, err := parsePASVReply(reply.Message, pasvex, c.controlRemoteHost(), c.proxyDialer != nil)
	if err != nil {
		return nil, err
	}
	return c.dialData(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (c *Client) dialData(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := withFallbackTimeout(ctx, c.dataConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.proxyDialer != nil {
		conn, err = dialViaProxy(dialCtx, c.proxyDialer, addr)
	} else {
		d := *c.dialer
		d.Timeout = c.dataConnectTimeout
		if d.KeepAlive == 0 {
			d.KeepAlive = 30 * time.Second
		}
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Op: "data connect", Err: err}
	}
	tuneKeepAlive(conn)
	return &deadlineConn{Conn: conn, timeout: c.dataReadTimeout}, nil
}

func withFallbackTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) openActiveEPRT(ctx context.Context) (net.Conn, error) {
	listener, localHost, localPort, err := c.listenEphemeral()
	if err != nil {
		return nil, err
	}
	arg, err := formatEPRT(localHost, localPort)
	if err != nil {
		listener.Close()
		return nil, err
	}
	reply, err := c.Execute(ctx, "EPRT "+arg)
	if err != nil {
		listener.Close()
		return nil, err
	}
	if !reply.Is2xx() {
		listener.Close()
		return nil, &CommandError{Command: "EPRT", Response: reply.Message, Code: reply.Code}
	}
	return c.acceptActive(ctx, listener)
}

func (c *Client) openActivePORT(ctx context.Context) (net.Conn, error) {
	listener, localHost, localPort, err := c.listenEphemeral()
	if err != nil {
		return nil, err
	}
	arg, err := formatPORT(localHost, localPort)
	if err != nil {
		listener.Close()
		return nil, err
	}
	reply, err := c.Execute(ctx, "PORT "+arg)
	if err != nil {
		listener.Close()
		return nil, err
	}
	if !reply.Is2xx() {
		listener.Close()
		return nil, &CommandError{Command: "PORT", Response: reply.Message, Code: reply.Code}
	}
	return c.acceptActive(ctx, listener)
}

func (c *Client) listenEphemeral() (net.Listener, string, int, error) {
	localHost, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		localHost = "0.0.0.0"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(localHost, "0"))
	if err != nil {
		return nil, "", 0, &TransportError{Op: "active listen", Err: err}
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return listener, host, port, nil
}

func (c *Client) acceptActive(ctx context.Context, listener net.Listener) (net.Conn, error) {
	defer listener.Close()
	if tl, ok := listener.(*net.TCPListener); ok && c.dataConnectTimeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(c.dataConnectTimeout))
	}
	conn, err := listener.Accept()
	if err != nil {
		return nil, &TransportError{Op: "active accept", Err: err}
	}
	tuneKeepAlive(conn)
	return &deadlineConn{Conn: conn, timeout: c.dataReadTimeout}, nil
}

func (c *Client) dataTLSConfig() *tls.Config {
	if c.tlsConfig == nil {
		return &tls.Config{}
	}
	return c.tlsConfig
}

// restartWouldBeNoop works around SOCKS proxies that misreport the
// remote file's size by one byte, which makes a REST to resume at the
// reported EOF actually skip a byte of real data. When proxying,
// compare the requested offset to the server-reported SIZE and skip
// REST if it would be a no-op.
func (c *Client) restartWouldBeNoop(ctx context.Context, opts dataChannelOptions) bool {
	path := strings.TrimPrefix(opts.transferCommand, "RETR ")
	if path == opts.transferCommand {
		return false
	}
	reply, err := c.Execute(ctx, "SIZE "+path)
	if err != nil || reply.Code != 213 {
		return false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
	if err != nil {
		return false
	}
	return size == opts.restart
}

func remotePort(conn net.Conn) int {
	_, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
