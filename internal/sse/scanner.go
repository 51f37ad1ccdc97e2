// Package sse reads and writes text/event-stream framing.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxBlockBytes bounds the size of a single event block.
const maxBlockBytes = 4 << 20

// ErrBlockTooLarge stops a scanner whose current block exceeds maxBlockBytes.
var ErrBlockTooLarge = errors.New("sse: event block too large")

// Block is one event block from a stream.
type Block struct {
	Event string
	Data  string
}

// Scanner reads event blocks separated by blank lines. Multiple "data:" lines
// are joined with "\n"; comment lines (":") and unknown fields are skipped.
// OnActivity, when set, is called for every line read, comments included, so
// callers can track liveness of a quiet stream.
type Scanner struct {
	reader     *bufio.Reader
	current    Block
	err        error
	OnActivity func()
}

// NewScanner creates a scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next block. It returns false at EOF or on error.
func (s *Scanner) Next() bool {
	s.current = Block{}
	var (
		dataLines []string
		eventType string
		hasData   bool
		size      int
	)

	for {
		line, err := s.readLine(maxBlockBytes - size)
		if errors.Is(err, ErrBlockTooLarge) {
			s.err = err
			return false
		}
		if err != nil && line == "" {
			if err == io.EOF && hasData {
				s.current = Block{Event: eventType, Data: strings.Join(dataLines, "\n")}
				s.err = io.EOF
				return true
			}
			s.err = err
			return false
		}
		if s.OnActivity != nil {
			s.OnActivity()
		}

		size += len(line)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = Block{Event: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			eventType = ""
			size = 0
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

// readLine reads up to and including the next newline. It stops with
// ErrBlockTooLarge as soon as the line exceeds limit bytes, so at most limit
// plus one buffer of input is held.
func (s *Scanner) readLine(limit int) (string, error) {
	var line []byte
	for {
		frag, err := s.reader.ReadSlice('\n')
		if len(line)+len(frag) > limit {
			return "", ErrBlockTooLarge
		}
		line = append(line, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}

// Block returns the block parsed by the last successful Next.
func (s *Scanner) Block() Block { return s.current }

// Err returns the error that stopped the scanner, or nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
