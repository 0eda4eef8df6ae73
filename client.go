package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

// Client is a connected FTP control channel plus everything the Data
// Channel Factory and Transfer Engine need to drive transfers over it.
// A Client is single-owner: callers must not invoke methods concurrently
// from more than one goroutine.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	tlsConfig *tls.Config
	tlsMode   tlsMode

	connectTimeout     time.Duration
	controlReadTimeout time.Duration
	dataConnectTimeout time.Duration
	dataReadTimeout    time.Duration
	noopInterval       time.Duration

	logger *slog.Logger
	dialer *net.Dialer

	proxyDialer proxy.Dialer

	host, port string

	session *session
	handler ServerHandler

	rateLimitBytesPerSec int64
	resumePolicy         ResumePolicy
	disableDataProtection bool
	drainStaleData        bool

	mu                 sync.Mutex
	transferInProgress int32 // atomic; read by the keep-alive goroutine

	// activeData is a non-owning pointer to the currently open data
	// channel, tracked so Abort/Quit can close it out from under an
	// in-progress transfer.
	activeData io.Closer

	quitKeepAlive chan struct{}
}

// Dial opens a control connection to an FTP server at addr ("host:port")
// and reads its welcome reply. The returned Client is not logged in; call
// Login next.
func Dial(ctx context.Context, addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &ArgumentError{Arg: "addr", Reason: err.Error()}
	}

	c := &Client{
		host:               host,
		port:               port,
		connectTimeout:     30 * time.Second,
		controlReadTimeout: 30 * time.Second,
		dataConnectTimeout: 30 * time.Second,
		dataReadTimeout:    30 * time.Second,
		tlsMode:            tlsModeNone,
		dialer:             &net.Dialer{},
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		session:            newSession(),
		handler:            defaultServerHandler{},
		resumePolicy:       DefaultResumePolicy,
		drainStaleData:     true,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("ftp: option: %w", err)
		}
	}
	c.dialer.Timeout = c.connectTimeout

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.session.lastCommandUTC = time.Now().UTC()
	c.startKeepAlive()

	return c, nil
}

// Connect parses an ftp(s):// URL, dials, logs in (anonymously if no
// credentials are present), and changes into the URL's path if any.
//
// Supported schemes: "ftp", "ftps" (implicit TLS, default port 990),
// "ftp+explicit" (explicit TLS, default port 21).
func Connect(ctx context.Context, rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ArgumentError{Arg: "rawURL", Reason: err.Error()}
	}

	var opts []Option
	host := u.Hostname()
	port := u.Port()

	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		opts = append(opts, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		opts = append(opts, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, &ArgumentError{Arg: "rawURL", Reason: "unsupported scheme " + u.Scheme}
	}

	c, err := Dial(ctx, net.JoinHostPort(host, port), opts...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, hasPass := u.User.Password()
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	} else if !hasPass {
		pass = ""
	}

	if err := c.Login(ctx, user, pass); err != nil {
		_ = c.Quit(ctx)
		return nil, err
	}

	if u.Path != "" && u.Path != "/" {
		if err := c.ChangeDir(ctx, u.Path); err != nil {
			_ = c.Quit(ctx)
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.DebugContext(ctx, "connecting", "addr", addr, "tls_mode", c.tlsMode)

	conn, err := c.dialContext(ctx, addr)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	if c.tlsMode == tlsModeImplicit {
		tlsConn, err := c.handshakeTLS(ctx, conn, c.tlsConfig)
		if err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	reply, err := c.readGreeting(ctx)
	if err != nil {
		conn.Close()
		return err
	}
	if reply.Class != ClassPositiveCompletion {
		conn.Close()
		return &CommandError{Command: "CONNECT", Response: reply.Message, Code: reply.Code}
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(ctx); err != nil {
			conn.Close()
			return err
		}
	}

	if _, auto := c.handler.(defaultServerHandler); auto {
		c.handler = selectServerHandler(reply.Message)
	}
	return nil
}

func (c *Client) readGreeting(ctx context.Context) (*Reply, error) {
	if err := c.setReadDeadline(ctx, c.controlReadTimeout); err != nil {
		return nil, &TransportError{Op: "CONNECT", Err: err}
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, classifyReadErr("CONNECT", err)
	}
	if reply.Code == 0 {
		return nil, &TransportError{Op: "CONNECT", Err: &ParseError{Input: reply.Message, Reason: "unparseable reply"}}
	}
	c.logger.DebugContext(ctx, "greeting", "code", reply.Code, "message", reply.Message)
	return reply, nil
}

func (c *Client) dialContext(ctx context.Context, addr string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", addr)
}

// upgradeToTLS issues AUTH TLS, wraps the control socket, and negotiates
// PBSZ 0 / PROT P so the session is ready to protect data channels too.
func (c *Client) upgradeToTLS(ctx context.Context) error {
	reply, err := c.Execute(ctx, "AUTH TLS")
	if err != nil {
		return err
	}
	if reply.Code != 234 {
		return &CommandError{Command: "AUTH TLS", Response: reply.Message, Code: reply.Code}
	}

	tlsConn, err := c.handshakeTLS(ctx, c.conn, c.tlsConfig)
	if err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	if c.disableDataProtection {
		return nil
	}

	if _, err := c.expectCode(ctx, 200, "PBSZ", "0"); err != nil {
		return err
	}
	if _, err := c.expectCode(ctx, 200, "PROT", "P"); err != nil {
		return err
	}
	c.session.dataConnectionEncryption = true
	return nil
}

// handshakeTLS wraps conn in TLS and blocks until the handshake
// completes or ctx is done. It is used for both the control channel
// (implicit and explicit modes) and, from data.go, the data channel.
func (c *Client) handshakeTLS(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	deadline, ok := ctxDeadline(ctx, c.connectTimeout)
	if ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	tlsConn := tls.Client(conn, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- tlsConn.HandshakeContext(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, &TransportError{Op: "tls handshake", Err: err}
		}
		return tlsConn, nil
	case <-ctx.Done():
		conn.Close()
		return nil, &CanceledError{Op: "tls handshake"}
	}
}

func ctxDeadline(ctx context.Context, fallback time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if fallback > 0 {
		return time.Now().Add(fallback), true
	}
	return time.Time{}, false
}

// Login authenticates with USER/PASS. If the server accepts USER alone
// (230, no password required) PASS is skipped.
func (c *Client) Login(ctx context.Context, username, password string) error {
	reply, err := c.Execute(ctx, "USER "+username)
	if err != nil {
		return err
	}
	if reply.Code != 230 {
		if reply.Code != 331 {
			return &CommandError{Command: "USER", Response: reply.Message, Code: reply.Code}
		}
		if _, err := c.expectCode(ctx, 230, "PASS", password); err != nil {
			return err
		}
	}
	for _, cmd := range c.handler.PostConnectCommands() {
		if _, err := c.Execute(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Quit sends QUIT and closes the connection. If disconnected already,
// it returns nil without any network I/O.
func (c *Client) Quit(ctx context.Context) error {
	if c.quitKeepAlive != nil {
		close(c.quitKeepAlive)
		c.quitKeepAlive = nil
	}

	c.mu.Lock()
	if c.activeData != nil {
		c.activeData.Close()
		c.activeData = nil
	}
	c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	_, _ = c.Execute(ctx, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Abort cancels an in-progress transfer by sending ABOR and closing the
// data channel.
func (c *Client) Abort(ctx context.Context) error {
	c.mu.Lock()
	active := c.activeData
	c.mu.Unlock()
	if active == nil {
		return &StateError{Op: "ABOR"}
	}
	_ = active.Close()
	_, err := c.expect2xx(ctx, "ABOR")
	return err
}

func (c *Client) startKeepAlive() {
	if c.noopInterval == 0 {
		return
	}
	c.quitKeepAlive = make(chan struct{})
	ticker := time.NewTicker(c.noopInterval / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if atomic.LoadInt32(&c.transferInProgress) == 1 {
					continue
				}
				c.mu.Lock()
				last := c.session.lastCommandUTC
				c.mu.Unlock()
				if time.Since(last) >= c.noopInterval {
					_ = c.Noop(context.Background())
				}
			case <-c.quitKeepAlive:
				return
			}
		}
	}()
}
