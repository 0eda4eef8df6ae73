package ftp

import "time"

// DataMode selects how the Data Channel Factory establishes the
// secondary connection for a transfer.
type DataMode int

const (
	// AutoPassive prefers EPSV, falling back to PASV on a 4xx/5xx reply
	// when the control connection's local endpoint is IPv4.
	AutoPassive DataMode = iota
	// AutoActive prefers EPRT, falling back to PORT under the same
	// conditions as AutoPassive.
	AutoActive
	EPSV
	PASV
	PASVEX
	EPRT
	PORT
)

// session holds per-connection state: the current data representation,
// the server's advertised feature set, sticky latches that must never
// flip back once set, and caches invalidated by specific commands.
//
// A session is reset whenever a fresh control connection is made; it is
// never shared across Client instances.
type session struct {
	// currentType is the last TYPE accepted by the server ("A" or "I").
	currentType string
	// forceRetype makes the next Type call reissue TYPE even if
	// currentType already matches, used once right after connect.
	forceRetype bool

	// features caches the FEAT response; nil until first queried.
	features map[string]string

	// epsvUnsupported latches true the first time EPSV is rejected by
	// the server. It is never cleared except by a fresh connection.
	epsvUnsupported bool

	// blockedPorts holds data-connection ports the caller has asked the
	// factory never to use.
	blockedPorts map[int]struct{}

	// cachedPWD holds the last PWD result; invalidated by CWD.
	cachedPWD string
	havePWD   bool

	// dataConnectionEncryption is true once PBSZ 0 + PROT P have been
	// negotiated; it gates TLS activation on the data channel.
	dataConnectionEncryption bool
	// ftpsFailureLatched is set if a data-channel TLS handshake ever
	// fails, permanently disabling further attempts for this session.
	ftpsFailureLatched bool

	// dataMode is the caller-selected mode preference for data channels.
	dataMode DataMode

	// lastCommandUTC is updated after every command write, before its
	// reply is read; the Transfer Engine consults it to decide whether
	// to inject a keep-alive NOOP.
	lastCommandUTC time.Time
}

func newSession() *session {
	return &session{
		currentType:  "",
		forceRetype:  true,
		blockedPorts: make(map[int]struct{}),
		dataMode:     AutoPassive,
	}
}

func (s *session) blockPort(port int) { s.blockedPorts[port] = struct{}{} }

func (s *session) isBlocked(port int) bool {
	_, blocked := s.blockedPorts[port]
	return blocked
}

func (s *session) invalidatePWD() {
	s.havePWD = false
	s.cachedPWD = ""
}
