package chat

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"navyk-backend/internal/models"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// maxLineRetries bounds how many reads a line that fails to parse may be
	// held back before it is dropped.
	maxLineRetries = 3
)

// StreamParser reassembles server-sent-event lines from arbitrary network
// reads and extracts assistant text fragments from complete `data:` lines.
type StreamParser struct {
	buf     string
	done    bool
	held    string
	retries int
	log     *zap.Logger
}

func NewStreamParser(log *zap.Logger) *StreamParser {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamParser{log: log}
}

// Done reports whether the sentinel has been seen.
func (p *StreamParser) Done() bool {
	return p.done
}

// Feed appends a read to the buffer and returns the fragments of every
// complete line now available. After the sentinel it returns nothing.
func (p *StreamParser) Feed(data []byte) []string {
	if p.done {
		return nil
	}
	p.buf += string(data)

	var fragments []string
	for !p.done {
		idx := strings.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(p.buf[:idx], "\r")
		p.buf = p.buf[idx+1:]

		payload, ok := linePayload(line)
		if !ok {
			continue
		}
		if payload == doneSentinel {
			p.done = true
			break
		}

		fragment, err := parseDelta(payload)
		if err != nil {
			if p.holdBack(line) {
				// Wait for the next read before trying this line again.
				break
			}
			continue
		}
		p.clearHeld(line)
		if fragment != "" {
			fragments = append(fragments, fragment)
		}
	}
	return fragments
}

// Flush processes whatever remains buffered once the stream has closed.
// No line is held back since no more bytes are coming.
func (p *StreamParser) Flush() []string {
	if p.done || strings.TrimSpace(p.buf) == "" {
		p.buf = ""
		return nil
	}

	rest := p.buf
	p.buf = ""

	var fragments []string
	for _, raw := range strings.Split(rest, "\n") {
		payload, ok := linePayload(strings.TrimSuffix(raw, "\r"))
		if !ok {
			continue
		}
		if payload == doneSentinel {
			p.done = true
			break
		}
		fragment, err := parseDelta(payload)
		if err != nil {
			p.log.Warn("dropping unparsable stream line at end of stream", zap.String("line", raw), zap.Error(err))
			continue
		}
		if fragment != "" {
			fragments = append(fragments, fragment)
		}
	}
	return fragments
}

// holdBack pushes line back onto the front of the buffer and reports whether
// it did. A line that keeps failing is dropped after maxLineRetries.
func (p *StreamParser) holdBack(line string) bool {
	if p.held == line {
		p.retries++
	} else {
		p.held = line
		p.retries = 1
	}

	if p.retries > maxLineRetries {
		p.log.Warn("dropping malformed stream line", zap.String("line", line), zap.Int("attempts", p.retries-1))
		p.held = ""
		p.retries = 0
		return false
	}

	p.buf = line + "\n" + p.buf
	return true
}

func (p *StreamParser) clearHeld(line string) {
	if p.held == line {
		p.held = ""
		p.retries = 0
	}
}

// linePayload returns the trimmed payload of a `data: ` line. Blank lines,
// comments and other fields report false.
func linePayload(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	return strings.TrimSpace(line[len(dataPrefix):]), true
}

func parseDelta(payload string) (string, error) {
	var delta models.StreamDelta
	if err := json.Unmarshal([]byte(payload), &delta); err != nil {
		return "", err
	}
	if len(delta.Choices) == 0 || delta.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *delta.Choices[0].Delta.Content, nil
}
