package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// Execute sends one command line and waits for its reply. It is the
// sole place that writes to the control socket, so every Execute call
// is exactly one write of "command\r\n" followed by one reply read, and
// c.session.lastCommandUTC is updated after the write, before the read.
//
// If the client is disconnected and command is "QUIT", Execute returns a
// synthetic 200 reply without touching the network.
func (c *Client) Execute(ctx context.Context, command string) (*Reply, error) {
	if c.conn == nil {
		if strings.HasPrefix(command, "QUIT") {
			return &Reply{Code: 200, Message: "Connection already closed.", Class: ClassPositiveCompletion}, nil
		}
		return nil, &StateError{Op: strings.Fields(command)[0]}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drainStaleData {
		c.drainStale(50*time.Millisecond, 5*time.Millisecond)
	}

	c.logger.Debug("ftp command", "cmd", redactCommand(command))

	if err := c.setWriteDeadline(ctx, c.controlReadTimeout); err != nil {
		return nil, &TransportError{Op: command, Err: err}
	}
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", command); err != nil {
		return nil, classifyReadErr(command, err)
	}

	c.session.lastCommandUTC = time.Now().UTC()

	if err := c.setReadDeadline(ctx, c.controlReadTimeout); err != nil {
		return nil, &TransportError{Op: command, Err: err}
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, classifyReadErr(command, err)
	}
	if reply.Code == 0 {
		return nil, &TransportError{Op: command, Err: &ParseError{Input: reply.Message, Reason: "unparseable reply"}}
	}

	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	return reply, nil
}

// ReadReply reads the next reply off the control channel without
// sending a command. It is used after a data channel closes, to read
// the transfer's final reply.
func (c *Client) ReadReply(ctx context.Context) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setReadDeadline(ctx, c.controlReadTimeout); err != nil {
		return nil, &TransportError{Op: "READ", Err: err}
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, classifyReadErr("READ", err)
	}
	if reply.Code == 0 {
		return nil, &TransportError{Op: "READ", Err: &ParseError{Input: reply.Message, Reason: "unparseable reply"}}
	}
	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	return reply, nil
}

// DrainStaleData performs a brief short-deadline read to discard bytes
// left over from a broken prior operation, and clears the control
// socket's read deadline before it returns. It is invoked
// automatically before every Execute unless WithoutStaleDataDraining was
// set, and again briefly after a transfer's final reply to swallow late
// NOOP echoes.
func (c *Client) DrainStaleData(expectedIdle, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainStale(expectedIdle, timeout)
}

func (c *Client) drainStale(expectedIdle, timeout time.Duration) {
	if c.conn == nil {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	for {
		n, err := c.conn.Read(buf)
		if n <= 0 || err != nil {
			break
		}
	}
	_ = c.conn.SetReadDeadline(time.Time{})
}

func (c *Client) expectCode(ctx context.Context, code int, command string, args ...string) (*Reply, error) {
	reply, err := c.Execute(ctx, joinCommand(command, args...))
	if err != nil {
		return nil, err
	}
	if reply.Code != code {
		return reply, &CommandError{Command: command, Response: reply.Message, Code: reply.Code}
	}
	return reply, nil
}

func (c *Client) expect2xx(ctx context.Context, command string, args ...string) (*Reply, error) {
	reply, err := c.Execute(ctx, joinCommand(command, args...))
	if err != nil {
		return nil, err
	}
	if !reply.Is2xx() {
		return reply, &CommandError{Command: command, Response: reply.Message, Code: reply.Code}
	}
	return reply, nil
}

func joinCommand(command string, args ...string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// redactCommand hides USER/PASS argument text from logs.
func redactCommand(cmd string) string {
	upper := strings.ToUpper(cmd)
	if strings.HasPrefix(upper, "USER ") || strings.HasPrefix(upper, "PASS ") || strings.HasPrefix(upper, "ACCT ") {
		fields := strings.Fields(cmd)
		return fields[0] + " ****"
	}
	return cmd
}

func (c *Client) setReadDeadline(ctx context.Context, fallback time.Duration) error {
	if c.conn == nil {
		return nil
	}
	if d, ok := ctxDeadline(ctx, fallback); ok {
		return c.conn.SetReadDeadline(d)
	}
	return c.conn.SetReadDeadline(time.Time{})
}

func (c *Client) setWriteDeadline(ctx context.Context, fallback time.Duration) error {
	if c.conn == nil {
		return nil
	}
	if d, ok := ctxDeadline(ctx, fallback); ok {
		return c.conn.SetWriteDeadline(d)
	}
	return c.conn.SetWriteDeadline(time.Time{})
}

func classifyReadErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return &TimeoutError{Op: op}
	}
	return &TransportError{Op: op, Err: err}
}

// --- basic commands layered directly on Execute ---

// Type sets the data representation type ("A" for ASCII, "I" for
// binary/Image). It is a no-op if the session is already in that type,
// unless the session's force-retype flag is set (always true immediately
// after connect).
func (c *Client) Type(ctx context.Context, transferType string) error {
	if c.session.currentType == transferType && !c.session.forceRetype {
		return nil
	}
	if _, err := c.expectCode(ctx, 200, "TYPE", transferType); err != nil {
		return err
	}
	c.session.currentType = transferType
	c.session.forceRetype = false
	return nil
}

// Features queries and caches the server's FEAT response.
func (c *Client) Features(ctx context.Context) (map[string]string, error) {
	if c.session.features != nil {
		return c.session.features, nil
	}
	reply, err := c.Execute(ctx, "FEAT")
	if err != nil {
		return nil, err
	}
	if reply.Code != 211 {
		return nil, &CommandError{Command: "FEAT", Response: reply.Message, Code: reply.Code}
	}
	c.session.features = parseFeatureLines(reply.Info)
	return c.session.features, nil
}

// HasFeature reports whether the server advertised feature (case
// insensitive), fetching FEAT if it has not been queried yet.
func (c *Client) HasFeature(ctx context.Context, feature string) bool {
	feats, err := c.Features(ctx)
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(feature)]
	return ok
}

func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for _, line := range lines {
		// Traditional servers repeat "DDD-" on every continuation line
		// instead of the RFC 2389 leading-space form; strip it so both
		// styles parse the same way.
		if len(line) >= 4 && isDigits(line[0:3]) && (line[3] == '-' || line[3] == ' ') {
			line = line[4:]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.EqualFold(trimmed, "Features:") || strings.EqualFold(trimmed, "Features") {
			continue
		}
		parts := strings.SplitN(trimmed, " ", 2)
		name := strings.ToUpper(parts[0])
		params := ""
		if len(parts) > 1 {
			params = parts[1]
		}
		features[name] = params
	}
	return features
}

// Syst returns the server's system type (SYST).
func (c *Client) Syst(ctx context.Context) (string, error) {
	reply, err := c.expect2xx(ctx, "SYST")
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

// Host sends the HOST command (RFC 7151) for virtual-hosted FTP
// servers. It must be sent before USER.
func (c *Client) Host(ctx context.Context, host string) error {
	_, err := c.expect2xx(ctx, "HOST", host)
	return err
}

// SetOption issues OPTS for feature negotiation (RFC 2389), e.g.
// SetOption(ctx, "UTF8", "ON").
func (c *Client) SetOption(ctx context.Context, option, value string) error {
	_, err := c.expect2xx(ctx, "OPTS", option, value)
	return err
}

// Noop sends NOOP, used both by callers directly and by the Transfer
// Engine's keep-alive injection during long transfers.
func (c *Client) Noop(ctx context.Context) error {
	_, err := c.expect2xx(ctx, "NOOP")
	return err
}

// Quote sends an arbitrary command and returns its reply verbatim, for
// commands this client has no typed wrapper for.
func (c *Client) Quote(ctx context.Context, command string, args ...string) (*Reply, error) {
	return c.Execute(ctx, joinCommand(command, args...))
}

// ChangeDir issues CWD, invalidating the cached PWD.
func (c *Client) ChangeDir(ctx context.Context, path string) error {
	if _, err := c.expect2xx(ctx, "CWD", path); err != nil {
		return err
	}
	c.session.invalidatePWD()
	return nil
}

// CurrentDir issues PWD, caching the result until the next CWD.
func (c *Client) CurrentDir(ctx context.Context) (string, error) {
	if c.session.havePWD {
		return c.session.cachedPWD, nil
	}
	reply, err := c.expect2xx(ctx, "PWD")
	if err != nil {
		return "", err
	}
	dir := extractQuoted(reply.Message)
	c.session.cachedPWD = dir
	c.session.havePWD = true
	return dir, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func extractQuoted(message string) string {
	start := strings.IndexByte(message, '"')
	if start < 0 {
		return message
	}
	end := strings.IndexByte(message[start+1:], '"')
	if end < 0 {
		return message
	}
	return message[start+1 : start+1+end]
}

// ClearCommandChannel issues CCC, downgrading a TLS-protected control
// connection back to plaintext once data-channel protection is no
// longer needed. The session's data-protection state is left unchanged,
// so data channels keep using TLS if PROT P was negotiated.
func (c *Client) ClearCommandChannel(ctx context.Context) error {
	reply, err := c.Execute(ctx, "CCC")
	if err != nil {
		return err
	}
	if !reply.Is2xx() {
		return &CommandError{Command: "CCC", Response: reply.Message, Code: reply.Code}
	}
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		plain := tlsConn.NetConn()
		c.conn = plain
		c.reader = bufio.NewReader(plain)
	}
	return nil
}
