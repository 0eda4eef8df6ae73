package ftp

import (
	"context"
	"strings"
)

// ServerHandler is the collaborator-hook capability set for server-family
// quirks: commands to run right after login, whether a transfer must
// always read to end of stream regardless of a known length, and how to
// build an absolute path for a relative one. The core selects a concrete
// implementation from the welcome banner at connect time; callers may
// override it with WithServerHandler.
type ServerHandler interface {
	// PostConnectCommands returns raw commands to Execute immediately
	// after a successful Login, in order.
	PostConnectCommands() []string

	// AlwaysReadToEnd reports whether the Transfer Engine must ignore
	// any known file length and read the data channel until EOF. ASCII
	// mode already forces this regardless of the handler.
	AlwaysReadToEnd() bool

	// AbsolutePath builds a server-absolute path from the session's
	// current directory and a caller-supplied relative path, for
	// handlers whose namespace isn't plain POSIX-style (e.g. z/OS
	// dataset names).
	AbsolutePath(cwd, path string) string

	// FileSize looks up path's length using whatever the server family
	// actually supports. ok is false when the handler has no better
	// answer than the standard SIZE command, which the Transfer Engine
	// then falls back to.
	FileSize(ctx context.Context, c *Client, path string) (size int64, ok bool, err error)

	// KnownErrorStrings returns substrings (case-insensitive) that mark a
	// failed transfer's final reply as "file does not exist" rather than
	// a generic command failure, so the Transfer Engine returns it as a
	// *FileNotFoundError instead of a plain *CommandError. It is still
	// returned as an error; there is no separate boolean outcome.
	KnownErrorStrings() []string
}

// defaultServerHandler implements plain RFC 959 semantics.
type defaultServerHandler struct{}

func (defaultServerHandler) PostConnectCommands() []string { return nil }
func (defaultServerHandler) AlwaysReadToEnd() bool          { return false }
func (defaultServerHandler) AbsolutePath(cwd, path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	if cwd == "" || cwd == "/" {
		return "/" + path
	}
	return strings.TrimSuffix(cwd, "/") + "/" + path
}

func (defaultServerHandler) FileSize(ctx context.Context, c *Client, path string) (int64, bool, error) {
	return 0, false, nil
}

func (defaultServerHandler) KnownErrorStrings() []string {
	return []string{"no such file", "file not found", "file unavailable", "does not exist"}
}

// zosServerHandler accounts for IBM z/OS FTP servers, which can stream a
// partitioned-dataset member without ever reporting a length the client
// can trust, and which need a SITE command to select a sane default
// listing/transfer filetype.
type zosServerHandler struct{}

func (zosServerHandler) PostConnectCommands() []string { return []string{"SITE FILETYPE=SEQ"} }
func (zosServerHandler) AlwaysReadToEnd() bool          { return true }
func (zosServerHandler) AbsolutePath(cwd, path string) string {
	if strings.HasPrefix(path, "'") {
		return path
	}
	return "'" + path + "'"
}

// FileSize never trusts SIZE on z/OS: dataset records are reblocked on
// the wire, so the byte count the server would report doesn't match what
// RETR actually delivers. Returning ok=true with a length of -1 keeps
// the Transfer Engine from falling back to SIZE and tells it there is no
// known length, which combined with AlwaysReadToEnd keeps it in
// read-to-end mode regardless.
func (zosServerHandler) FileSize(ctx context.Context, c *Client, path string) (int64, bool, error) {
	return -1, true, nil
}

func (zosServerHandler) KnownErrorStrings() []string {
	return []string{"no such file", "dataset not found", "member not found"}
}

// resolvePath turns path into a server-absolute one via the active
// handler's AbsolutePath, but only once the session already knows the
// current directory; with no cached PWD there is nothing reliable to
// resolve against, so path is passed through unchanged.
func (c *Client) resolvePath(path string) string {
	if path == "" || !c.session.havePWD {
		return path
	}
	return c.handler.AbsolutePath(c.session.cachedPWD, path)
}

// selectServerHandler inspects a welcome banner (or, by the caller's
// choice, a SYST reply) and picks the handler most likely to be correct.
// It never returns nil.
func selectServerHandler(banner string) ServerHandler {
	upper := strings.ToUpper(banner)
	if strings.Contains(upper, "MVS") || strings.Contains(upper, "Z/OS") {
		return zosServerHandler{}
	}
	return defaultServerHandler{}
}
