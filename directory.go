package ftp

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MakeDir creates a new directory.
func (c *Client) MakeDir(ctx context.Context, path string) error {
	_, err := c.expect2xx(ctx, "MKD", c.resolvePath(path))
	return err
}

// RemoveDir removes a directory.
func (c *Client) RemoveDir(ctx context.Context, path string) error {
	_, err := c.expect2xx(ctx, "RMD", c.resolvePath(path))
	return err
}

// Delete removes a remote file.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.expect2xx(ctx, "DELE", c.resolvePath(path))
	return err
}

// Rename renames or moves a remote file or directory via RNFR/RNTO.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	if _, err := c.expectCode(ctx, 350, "RNFR", c.resolvePath(from)); err != nil {
		return err
	}
	_, err := c.expect2xx(ctx, "RNTO", c.resolvePath(to))
	return err
}

// Size returns the size of a remote file in bytes via SIZE (RFC 3659).
// Servers in ASCII mode may refuse SIZE; switch to binary first if so.
func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	reply, err := c.expect2xx(ctx, "SIZE", c.resolvePath(path))
	if err != nil {
		return 0, err
	}
	size, parseErr := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
	if parseErr != nil {
		return 0, &ParseError{Input: reply.Message, Reason: "invalid SIZE reply"}
	}
	return size, nil
}

// ModTime returns a remote file's modification time via MDTM (RFC 3659).
// Servers always report this in UTC.
func (c *Client) ModTime(ctx context.Context, path string) (time.Time, error) {
	reply, err := c.expect2xx(ctx, "MDTM", c.resolvePath(path))
	if err != nil {
		return time.Time{}, err
	}
	timestamp := strings.TrimSpace(reply.Message)
	if idx := strings.IndexByte(timestamp, '.'); idx >= 0 {
		timestamp = timestamp[:idx]
	}
	t, parseErr := time.Parse("20060102150405", timestamp)
	if parseErr != nil {
		return time.Time{}, &ParseError{Input: reply.Message, Reason: "invalid MDTM reply"}
	}
	return t.UTC(), nil
}

// SetModTime sets a remote file's modification time via MFMT
// (draft-somers-ftp-mfxx), converting t to UTC first.
func (c *Client) SetModTime(ctx context.Context, path string, t time.Time) error {
	_, err := c.expect2xx(ctx, "MFMT", t.UTC().Format("20060102150405"), c.resolvePath(path))
	return err
}

// Chmod changes a remote file's permissions via SITE CHMOD, a widely
// implemented but non-standard extension.
func (c *Client) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	_, err := c.expect2xx(ctx, "SITE", "CHMOD", fmt.Sprintf("%04o", mode&os.ModePerm), c.resolvePath(path))
	return err
}

// NameList returns a plain list of file names via NLST, opened through
// the same Data Channel Factory every transfer uses so the
// empty-directory 550 quirk is handled uniformly.
func (c *Client) NameList(ctx context.Context, path string) ([]string, error) {
	cmd := "NLST"
	if path != "" {
		cmd = "NLST " + c.resolvePath(path)
	}
	dc, err := c.openDataChannel(ctx, dataChannelOptions{
		mode:            c.session.dataMode,
		transferCommand: cmd,
		tlsRequested:    true,
	})
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(dc)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	scanErr := scanner.Err()

	_, finishErr := dc.Finish(ctx, 0)
	if scanErr != nil {
		return nil, &TransportError{Op: "NLST", Err: scanErr}
	}
	if finishErr != nil {
		return nil, finishErr
	}
	return names, nil
}

// List returns raw LIST lines (server-specific Unix-`ls`-like format);
// parsing them into structured entries is left to the caller, so this
// returns text, not *Entry values.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	cmd := "LIST"
	if path != "" {
		cmd = "LIST " + c.resolvePath(path)
	}
	dc, err := c.openDataChannel(ctx, dataChannelOptions{
		mode:            c.session.dataMode,
		transferCommand: cmd,
		tlsRequested:    true,
	})
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(dc)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	scanErr := scanner.Err()

	_, finishErr := dc.Finish(ctx, 0)
	if scanErr != nil {
		return nil, &TransportError{Op: "LIST", Err: scanErr}
	}
	if finishErr != nil {
		return nil, finishErr
	}
	return lines, nil
}
