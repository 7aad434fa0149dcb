// Package safeio performs whole-buffer reads and writes that survive
// interrupted system calls.
package safeio

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Interrupted reports whether err is an interrupted system call.
func Interrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// Write writes all of buf to w. Interrupted writes are resumed from the byte
// reached. A write that makes no progress without an error stops with
// io.ErrShortWrite.
func Write(w io.Writer, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		written += n
		if err != nil {
			if Interrupted(err) {
				continue
			}
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Read fills buf from r. End of stream is not an error: the bytes read so
// far are returned with a nil error. Interrupted reads are retried.
func Read(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if Interrupted(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

type reader struct {
	r io.Reader
}

// Reader wraps r so that interrupted reads are retried transparently. Unlike
// Read, a call returns as soon as any bytes arrive and end of stream is
// reported as io.EOF, so the result can sit under a bufio.Reader.
func Reader(r io.Reader) io.Reader {
	return &reader{r: r}
}

func (r *reader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if err != nil && Interrupted(err) {
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

type writer struct {
	w io.Writer
}

// Writer wraps w so that every Write goes through the full-buffer loop.
func Writer(w io.Writer) io.Writer {
	return &writer{w: w}
}

func (w *writer) Write(p []byte) (int, error) {
	return Write(w.w, p)
}
