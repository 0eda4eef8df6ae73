package ftp

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wirelab/ftpx/internal/ratelimit"
)

// TransferOptions configures one Retrieve/Store/Append call. The zero
// value (or a nil *TransferOptions) is a plain binary transfer starting
// at offset 0 with no progress reporting and the session's default data
// mode.
type TransferOptions struct {
	// Restart is the byte offset to resume from; 0 means start at the
	// beginning. Store and Append require an io.Seeker reader to honor a
	// non-zero Restart.
	Restart int64

	// KnownSize is the expected length of the remote file. Leave it at 0
	// to let Retrieve look it up (via SIZE, or the ServerHandler's
	// FileSize hook) when Progress is set; it is otherwise unused by
	// Store/Append, whose length authority is the local reader.
	KnownSize int64

	// Progress, if non-nil, is called after every chunk with the total
	// bytes transferred so far.
	Progress func(transferred int64)

	// ModeOverride selects a data-connection mode for this transfer only,
	// overriding the session's default (set via WithDataMode). Leave nil
	// to use the session default.
	ModeOverride *DataMode

	// ASCII requests TYPE A instead of the default TYPE I (Binary). ASCII
	// transfers always run in read-to-end mode, since the wire byte count
	// can differ from the decoded length.
	ASCII bool

	// CreateEmptyFile controls whether RetrieveFile creates a zero-length
	// local file when the remote file is empty. It has no effect on
	// Retrieve, whose io.Writer is already open by the time the call is
	// made.
	CreateEmptyFile bool
}

func (o *TransferOptions) orDefault() *TransferOptions {
	if o == nil {
		return &TransferOptions{}
	}
	return o
}

func (c *Client) modeFor(opts *TransferOptions) DataMode {
	if opts.ModeOverride != nil {
		return *opts.ModeOverride
	}
	return c.session.dataMode
}

func (c *Client) setTransferType(ctx context.Context, opts *TransferOptions) error {
	t := "I"
	if opts.ASCII {
		t = "A"
	}
	return c.Type(ctx, t)
}

// Retrieve downloads remotePath into w: it determines a target length,
// sets the data representation, opens a data channel with RETR and the
// restart offset, then drives the chunk loop with keep-alive injection,
// rate limiting, and mid-stream resume until the transfer completes or a
// non-resumable error occurs.
func (c *Client) Retrieve(ctx context.Context, remotePath string, w io.Writer, opts *TransferOptions) error {
	opts = opts.orDefault()
	if remotePath == "" {
		return &ArgumentError{Arg: "remotePath", Reason: "must not be empty"}
	}
	if c.conn == nil {
		return &StateError{Op: "RETR"}
	}
	remotePath = c.resolvePath(remotePath)

	fileLen, err := c.resolveFileLen(ctx, remotePath, opts)
	if err != nil {
		return err
	}
	if err := c.setTransferType(ctx, opts); err != nil {
		return err
	}

	readToEnd := fileLen <= 0 || opts.ASCII || c.handler.AlwaysReadToEnd()

	atomic.StoreInt32(&c.transferInProgress, 1)
	defer atomic.StoreInt32(&c.transferInProgress, 0)

	limiter := ratelimit.New(c.rateLimitBytesPerSec)
	defer limiter.Stop()

	offset := opts.Restart
	for attempt := 0; ; attempt++ {
		dc, err := c.openDataChannel(ctx, dataChannelOptions{
			mode:            c.modeFor(opts),
			transferCommand: "RETR " + remotePath,
			restart:         offset,
			tlsRequested:    true,
		})
		if err != nil {
			return err
		}

		noops := 0
		cerr := c.downloadChunks(ctx, w, dc, opts, fileLen, readToEnd, limiter, &offset, &noops)
		if cerr == nil {
			_, ferr := dc.Finish(ctx, noops)
			return c.classifyFinalReply("RETR", ferr)
		}

		if c.shouldResume(ctx, cerr, attempt) {
			dc.Close()
			c.sleepBackoff(ctx)
			continue
		}

		if closeErr := dc.Close(); closeErr != nil {
			return multierror.Append(cerr, closeErr).ErrorOrNil()
		}
		return cerr
	}
}

// RetrieveFile downloads remotePath to a local file, lazily creating it
// only once the first non-empty chunk arrives unless opts.CreateEmptyFile
// is set, so an empty remote file does not leave behind a zero-length
// local file by default.
func (c *Client) RetrieveFile(ctx context.Context, remotePath, localPath string, opts *TransferOptions) error {
	opts = opts.orDefault()
	sink := &lazyFileSink{path: localPath, createEmpty: opts.CreateEmptyFile}
	err := c.Retrieve(ctx, remotePath, sink, opts)
	closeErr := sink.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// lazyFileSink defers os.Create until the first non-empty Write, so a
// zero-byte remote file produces no local file unless createEmpty is set.
type lazyFileSink struct {
	path        string
	createEmpty bool
	file        *os.File
	openErr     error
	opened      bool
}

func (s *lazyFileSink) Write(p []byte) (int, error) {
	if !s.opened {
		if len(p) == 0 && !s.createEmpty {
			return 0, nil
		}
		s.opened = true
		s.file, s.openErr = os.Create(s.path)
		if s.openErr != nil {
			return 0, &TransportError{Op: "open sink", Err: s.openErr}
		}
	}
	if s.file == nil {
		return len(p), nil
	}
	return s.file.Write(p)
}

func (s *lazyFileSink) Close() error {
	if !s.opened && s.createEmpty {
		f, err := os.Create(s.path)
		if err != nil {
			return &TransportError{Op: "open sink", Err: err}
		}
		return f.Close()
	}
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// downloadChunks drives the data channel read loop: chunked reads paced
// by limiter, periodic NOOP injection, progress callbacks, and a
// read-to-end vs read-to-length exit decision. It returns nil on a clean
// finish or an error the caller classifies for resume eligibility.
func (c *Client) downloadChunks(ctx context.Context, w io.Writer, dc *DataChannel, opts *TransferOptions, fileLen int64, readToEnd bool, limiter *ratelimit.Limiter, offset *int64, noopsInFlight *int) error {
	chunkSize := ratelimit.CalculateTransferChunkSize(c.rateLimitBytesPerSec, 100*time.Millisecond)
	buf := make([]byte, chunkSize)
	var reader io.Reader = dc
	if limiter != nil {
		reader = ratelimit.NewReader(dc, limiter)
	}

	for {
		if err := ctx.Err(); err != nil {
			return &CanceledError{Op: "RETR"}
		}

		toRead := len(buf)
		if !readToEnd {
			remaining := fileLen - *offset
			if remaining <= 0 {
				return nil
			}
			if remaining < int64(toRead) {
				toRead = int(remaining)
			}
		}

		n, readErr := reader.Read(buf[:toRead])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return &TransportError{Op: "RETR write", Err: werr}
			}
			*offset += int64(n)
			if opts.Progress != nil {
				opts.Progress(*offset)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if readToEnd || *offset == fileLen {
					return nil
				}
				return &TransportError{Op: "RETR", Err: io.ErrUnexpectedEOF}
			}
			return classifyReadErr("RETR", readErr)
		}

		c.noopMaybe(ctx, noopsInFlight)
	}
}

// Store uploads r to remotePath via STOR. Unlike Retrieve it has no
// read-to-length decision (the local reader is the length authority),
// and its resume path requires r to be an io.Seeker so a reconnect can
// seek back to the current offset.
func (c *Client) Store(ctx context.Context, remotePath string, r io.Reader, opts *TransferOptions) error {
	return c.upload(ctx, "STOR", remotePath, r, opts)
}

// StoreFile uploads a local file to remotePath, opening it for reading
// (which makes it an io.Seeker, so resume works automatically).
func (c *Client) StoreFile(ctx context.Context, remotePath, localPath string, opts *TransferOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "open source", Err: err}
	}
	defer f.Close()
	return c.Store(ctx, remotePath, f, opts)
}

// Append uploads r to remotePath via APPE, creating the remote file if
// it does not already exist.
func (c *Client) Append(ctx context.Context, remotePath string, r io.Reader, opts *TransferOptions) error {
	return c.upload(ctx, "APPE", remotePath, r, opts)
}

func (c *Client) upload(ctx context.Context, verb, remotePath string, r io.Reader, opts *TransferOptions) error {
	opts = opts.orDefault()
	if remotePath == "" {
		return &ArgumentError{Arg: "remotePath", Reason: "must not be empty"}
	}
	if c.conn == nil {
		return &StateError{Op: verb}
	}
	remotePath = c.resolvePath(remotePath)
	if err := c.setTransferType(ctx, opts); err != nil {
		return err
	}

	seeker, seekable := r.(io.Seeker)

	atomic.StoreInt32(&c.transferInProgress, 1)
	defer atomic.StoreInt32(&c.transferInProgress, 0)

	limiter := ratelimit.New(c.rateLimitBytesPerSec)
	defer limiter.Stop()

	offset := opts.Restart
	for attempt := 0; ; attempt++ {
		if offset > 0 {
			if !seekable {
				return &ArgumentError{Arg: "r", Reason: "resuming an upload requires an io.Seeker reader"}
			}
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return &TransportError{Op: verb, Err: err}
			}
		}

		dc, err := c.openDataChannel(ctx, dataChannelOptions{
			mode:            c.modeFor(opts),
			transferCommand: verb + " " + remotePath,
			restart:         offset,
			tlsRequested:    true,
		})
		if err != nil {
			return err
		}

		noops := 0
		cerr := c.uploadChunks(ctx, dc, r, opts, limiter, &offset, &noops)
		if cerr == nil {
			_, ferr := dc.Finish(ctx, noops)
			return c.classifyFinalReply(verb, ferr)
		}

		if seekable && c.shouldResume(ctx, cerr, attempt) {
			dc.Close()
			c.sleepBackoff(ctx)
			continue
		}

		if closeErr := dc.Close(); closeErr != nil {
			return multierror.Append(cerr, closeErr).ErrorOrNil()
		}
		return cerr
	}
}

func (c *Client) uploadChunks(ctx context.Context, dc *DataChannel, r io.Reader, opts *TransferOptions, limiter *ratelimit.Limiter, offset *int64, noopsInFlight *int) error {
	chunkSize := ratelimit.CalculateTransferChunkSize(c.rateLimitBytesPerSec, 100*time.Millisecond)
	buf := make([]byte, chunkSize)
	var writer io.Writer = dc
	if limiter != nil {
		writer = ratelimit.NewWriter(dc, limiter)
	}

	for {
		if err := ctx.Err(); err != nil {
			return &CanceledError{Op: "STOR"}
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				return classifyReadErr("STOR", werr)
			}
			*offset += int64(n)
			if opts.Progress != nil {
				opts.Progress(*offset)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return &TransportError{Op: "STOR read", Err: readErr}
		}

		c.noopMaybe(ctx, noopsInFlight)
	}
}

// noopMaybe injects a NOOP if NoopInterval has elapsed since the last
// command on the control channel, and records it so Finish knows to
// drain its echo before the canonical final reply. The Transfer Engine
// is the only thing that may inject NOOPs on that channel mid-transfer.
func (c *Client) noopMaybe(ctx context.Context, noopsInFlight *int) {
	if c.noopInterval <= 0 {
		return
	}
	c.mu.Lock()
	last := c.session.lastCommandUTC
	c.mu.Unlock()
	if time.Since(last) < c.noopInterval {
		return
	}
	if err := c.Noop(ctx); err == nil {
		*noopsInFlight++
	}
}

// shouldResume reports whether err should trigger a reconnect-and-resume
// rather than propagate: only Transport errors classified resumable, and
// only within the configured resume budget, qualify. Cancellation and
// everything else propagates.
func (c *Client) shouldResume(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, ok := err.(*CanceledError); ok {
		return false
	}
	te, ok := err.(*TransportError)
	if !ok || !te.Resumable() {
		return false
	}
	return attempt < c.resumePolicy.MaxAttempts
}

func (c *Client) sleepBackoff(ctx context.Context) {
	if c.resumePolicy.Backoff <= 0 {
		return
	}
	t := time.NewTimer(c.resumePolicy.Backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// classifyFinalReply surfaces a "file does not exist" final reply as a
// FileNotFoundError the caller can recognize with errors.As, instead of
// letting it read as an arbitrary transfer failure.
func (c *Client) classifyFinalReply(op string, err error) error {
	if err == nil {
		return nil
	}
	ce, ok := err.(*CommandError)
	if !ok {
		return err
	}
	lower := strings.ToLower(ce.Response)
	for _, known := range c.handler.KnownErrorStrings() {
		if strings.Contains(lower, known) {
			return &FileNotFoundError{Path: op, CommandError: ce}
		}
	}
	return err
}

// FileNotFoundError wraps a CommandError whose message matched the
// active ServerHandler's known-error string table, letting callers
// distinguish "remote file does not exist" from a generic command
// failure via errors.As without string-matching the reply themselves.
type FileNotFoundError struct {
	Path string
	*CommandError
}

func (e *FileNotFoundError) Unwrap() error { return e.CommandError }

// resolveFileLen uses the caller-provided size if any, otherwise, only
// when progress reporting was requested, queries the server via the
// active ServerHandler's FileSize hook or SIZE.
func (c *Client) resolveFileLen(ctx context.Context, remotePath string, opts *TransferOptions) (int64, error) {
	if opts.KnownSize > 0 {
		return opts.KnownSize, nil
	}
	if opts.Progress == nil {
		return -1, nil
	}
	if size, ok, err := c.handler.FileSize(ctx, c, remotePath); ok {
		return size, err
	}
	reply, err := c.Execute(ctx, "SIZE "+remotePath)
	if err != nil {
		return -1, nil
	}
	if reply.Code != 213 {
		return -1, nil
	}
	size, err := strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
	if err != nil {
		return -1, nil
	}
	return size, nil
}
