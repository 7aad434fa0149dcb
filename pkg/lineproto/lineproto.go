// Package lineproto implements the newline-terminated text framing used by
// the node identification protocol.
package lineproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"nodeident/pkg/safeio"
)

// DefaultMaxLineLength bounds an incoming line, terminator excluded.
const DefaultMaxLineLength = 4096

var (
	// ErrLineTooLong is returned when no terminator arrives within the line limit.
	ErrLineTooLong = errors.New("lineproto: line too long")
	// ErrEmbeddedNewline is returned when an outgoing line contains a terminator.
	ErrEmbeddedNewline = errors.New("lineproto: line contains newline")
	// ErrMismatch is matched by every *MismatchError.
	ErrMismatch = errors.New("lineproto: unexpected line")
)

// MismatchError describes a received line that differs from the expected one.
// EOF is set when the stream ended before a complete line arrived; Got then
// holds whatever partial line was read.
type MismatchError struct {
	Want string
	Got  string
	EOF  bool
}

func (e *MismatchError) Error() string {
	if e.EOF {
		return fmt.Sprintf("expected %q, got end of stream after %q", e.Want, e.Got)
	}
	return fmt.Sprintf("expected %q, got %q", e.Want, e.Got)
}

// Is lets errors.Is match ErrMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Direction tells an observer which way a line travelled.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Sent {
		return "send"
	}
	return "recv"
}

// Observer is notified of every complete line read or written.
type Observer func(dir Direction, line string)

// Conn frames lines over a byte stream. It is not safe for concurrent use.
type Conn struct {
	r       *bufio.Reader
	w       io.Writer
	max     int
	observe Observer
}

// Option configures a Conn.
type Option func(*Conn)

// WithMaxLineLength overrides DefaultMaxLineLength.
func WithMaxLineLength(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithObserver registers fn to see every line.
func WithObserver(fn Observer) Option {
	return func(c *Conn) {
		c.observe = fn
	}
}

// New returns a Conn reading and writing rw. Interrupted system calls on rw
// are retried transparently.
func New(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{w: safeio.Writer(rw), max: DefaultMaxLineLength}
	for _, opt := range opts {
		opt(c)
	}
	c.r = bufio.NewReaderSize(safeio.Reader(rw), c.max+1)
	return c
}

// ReadLine returns the next line with exactly one trailing newline removed.
// A stream that ends before the terminator yields io.EOF when nothing was
// read and io.ErrUnexpectedEOF, along with the partial line, otherwise.
func (c *Conn) ReadLine() (string, error) {
	raw, err := c.r.ReadSlice('\n')
	switch {
	case err == nil:
		if len(raw)-1 > c.max {
			return "", fmt.Errorf("%w: exceeds %d bytes", ErrLineTooLong, c.max)
		}
		line := string(raw[:len(raw)-1])
		c.notify(Received, line)
		return line, nil
	case errors.Is(err, bufio.ErrBufferFull):
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrLineTooLong, c.max)
	case errors.Is(err, io.EOF):
		if len(raw) == 0 {
			return "", io.EOF
		}
		return string(raw), io.ErrUnexpectedEOF
	default:
		return string(raw), err
	}
}

// WriteLine sends line followed by a newline.
func (c *Conn) WriteLine(line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: %q", ErrEmbeddedNewline, line)
	}
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		return err
	}
	c.notify(Sent, line)
	return nil
}

// Expect reads one line and requires it to equal want byte for byte. A
// different line or a premature end of stream yields a *MismatchError;
// any other failure is returned unchanged.
func (c *Conn) Expect(want string) error {
	got, err := c.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &MismatchError{Want: want, Got: got, EOF: true}
		}
		return err
	}
	if got != want {
		return &MismatchError{Want: want, Got: got}
	}
	return nil
}

func (c *Conn) notify(dir Direction, line string) {
	if c.observe != nil {
		c.observe(dir, line)
	}
}
