package ftp

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Option is a functional option for configuring a Client at Dial time.
type Option func(*Client) error

// WithTimeout sets the timeout applied to connect, control-channel read
// and write deadlines.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.connectTimeout = d
		c.controlReadTimeout = d
		return nil
	}
}

// WithControlReadTimeout overrides just the control-channel read
// deadline, independent of WithTimeout.
func WithControlReadTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.controlReadTimeout = d
		return nil
	}
}

// WithDataTimeouts overrides the data channel's connect/accept and read
// deadlines, independent of the control channel's.
func WithDataTimeouts(connect, read time.Duration) Option {
	return func(c *Client) error {
		c.dataConnectTimeout = connect
		c.dataReadTimeout = read
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before the Transfer Engine
// injects a NOOP keep-alive over the control channel during a long data
// transfer. Zero disables keep-alive injection.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.noopInterval = d
		return nil
	}
}

// WithExplicitTLS enables explicit TLS (AUTH TLS): the client connects
// on the plaintext port and upgrades in place before login.
func WithExplicitTLS(cfg *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return &ArgumentError{Arg: "tls", Reason: "explicit TLS cannot be combined with implicit TLS"}
		}
		c.tlsConfig = ensureSessionCache(cfg)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS: the client wraps the socket in
// TLS before any FTP protocol bytes are exchanged, typically on port 990.
func WithImplicitTLS(cfg *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return &ArgumentError{Arg: "tls", Reason: "implicit TLS cannot be combined with explicit TLS"}
		}
		c.tlsConfig = ensureSessionCache(cfg)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithoutDataProtection disables PBSZ 0 + PROT P negotiation and TLS
// activation on data channels even though the control channel is
// TLS-protected. Some servers and some firewalls cannot cope with
// encrypted data channels; this is the escape hatch.
func WithoutDataProtection() Option {
	return func(c *Client) error {
		c.disableDataProtection = true
		return nil
	}
}

// WithLogger enables structured debug logging of every command and
// reply via slog. USER/PASS argument text is always redacted.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer used for the control connection
// and, unless WithProxyDialer is also set, for data connections.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = d
		return nil
	}
}

// WithProxyDialer routes data connections through a SOCKS5 (or other
// proxy.Dialer) proxy. When set, the session is considered "proxying"
// for the purposes of the PASV/PASVEX private-IP substitution rule and
// the REST-skip workaround in the Data Channel Factory.
func WithProxyDialer(d proxy.Dialer) Option {
	return func(c *Client) error {
		c.proxyDialer = d
		return nil
	}
}

// WithDataMode selects the data-connection negotiation mode. The
// default is AutoPassive (prefer EPSV, fall back to PASV).
func WithDataMode(mode DataMode) Option {
	return func(c *Client) error {
		c.session.dataMode = mode
		return nil
	}
}

// WithBlockedPorts marks data-connection ports the factory must never
// use, retrying endpoint negotiation up to PassiveMaxAttempts times.
func WithBlockedPorts(ports ...int) Option {
	return func(c *Client) error {
		for _, p := range ports {
			c.session.blockPort(p)
		}
		return nil
	}
}

// WithRateLimit caps transfer throughput to bytesPerSecond for both
// uploads and downloads.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.rateLimitBytesPerSec = bytesPerSecond
		return nil
	}
}

// WithoutResume disables automatic resume on a resumable transport
// fault; the error propagates to the caller instead.
func WithoutResume() Option {
	return func(c *Client) error {
		c.resumePolicy.MaxAttempts = 0
		return nil
	}
}

// ResumePolicy bounds how many times the Transfer Engine will reconnect
// the data channel and reissue REST after a resumable transport fault.
type ResumePolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultResumePolicy allows three reconnect attempts with a short fixed
// backoff between them.
var DefaultResumePolicy = ResumePolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}

// WithResumePolicy overrides the default resume retry budget.
func WithResumePolicy(p ResumePolicy) Option {
	return func(c *Client) error {
		c.resumePolicy = p
		return nil
	}
}

// WithServerHandler overrides the automatically-selected ServerHandler
// (chosen from the welcome banner at connect time).
func WithServerHandler(h ServerHandler) Option {
	return func(c *Client) error {
		c.handler = h
		return nil
	}
}

// WithoutStaleDataDraining disables the pre-command stale-data drain
// that protects against desynchronized control channels left over from
// a broken prior operation.
func WithoutStaleDataDraining() Option {
	return func(c *Client) error {
		c.drainStaleData = false
		return nil
	}
}

func ensureSessionCache(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return cfg
}

type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

func (m tlsMode) String() string {
	switch m {
	case tlsModeExplicit:
		return "explicit"
	case tlsModeImplicit:
		return "implicit"
	default:
		return "none"
	}
}
