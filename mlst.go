package ftp

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"
)

// MLSTEntry is one machine-readable directory entry from MLST/MLSD (RFC
// 3659), which gives structured, server-family-independent file facts
// where LIST only gives free-form text.
type MLSTEntry struct {
	Name    string
	Type    string // "file", "dir", "cdir", "pdir", or "link"
	Size    int64
	ModTime time.Time
	Perm    string
	Facts   map[string]string
}

// MLStat returns a single entry's facts via MLST.
func (c *Client) MLStat(ctx context.Context, path string) (*MLSTEntry, error) {
	reply, err := c.expect2xx(ctx, "MLST", c.resolvePath(path))
	if err != nil {
		return nil, err
	}

	// Info[0] is the reply's opening "250-..." line, not an entry.
	lines := reply.Info
	if len(lines) > 0 {
		lines = lines[1:]
	}
	var entryLine string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			entryLine = trimmed
			break
		}
	}
	if entryLine == "" {
		entryLine = strings.TrimSpace(reply.Message)
	}
	if entryLine == "" {
		return nil, &ParseError{Input: reply.String(), Reason: "no entry in MLST reply"}
	}
	return parseMLSTEntry(entryLine)
}

// MLList returns a directory's entries via MLSD, the machine-readable
// sibling of LIST, opened through the same Data Channel Factory every
// transfer uses.
func (c *Client) MLList(ctx context.Context, path string) ([]*MLSTEntry, error) {
	cmd := "MLSD"
	if path != "" {
		cmd = "MLSD " + c.resolvePath(path)
	}
	dc, err := c.openDataChannel(ctx, dataChannelOptions{
		mode:            c.session.dataMode,
		transferCommand: cmd,
		tlsRequested:    true,
	})
	if err != nil {
		return nil, err
	}

	var entries []*MLSTEntry
	scanner := bufio.NewScanner(dc)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, parseErr := parseMLSTEntry(line)
		if parseErr != nil {
			continue
		}
		entries = append(entries, entry)
	}
	scanErr := scanner.Err()

	_, finishErr := dc.Finish(ctx, 0)
	if scanErr != nil {
		return nil, &TransportError{Op: "MLSD", Err: scanErr}
	}
	if finishErr != nil {
		return nil, finishErr
	}
	return entries, nil
}

// parseMLSTEntry parses one "fact1=val1;fact2=val2; name" line.
func parseMLSTEntry(line string) (*MLSTEntry, error) {
	spaceIdx := strings.IndexByte(line, ' ')
	if spaceIdx < 0 {
		return nil, &ParseError{Input: line, Reason: "no fact/name separator"}
	}

	facts := make(map[string]string)
	for _, pair := range strings.Split(line[:spaceIdx], ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		facts[strings.ToLower(kv[0])] = kv[1]
	}

	entry := &MLSTEntry{Name: line[spaceIdx+1:], Facts: facts}
	if v, ok := facts["type"]; ok {
		entry.Type = strings.ToLower(v)
	}
	if v, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.Size = size
		}
	}
	if v, ok := facts["modify"]; ok {
		timestamp := strings.SplitN(v, ".", 2)[0]
		if len(timestamp) == 14 {
			if t, err := time.Parse("20060102150405", timestamp); err == nil {
				entry.ModTime = t.UTC()
			}
		}
	}
	if v, ok := facts["perm"]; ok {
		entry.Perm = v
	}
	return entry, nil
}
