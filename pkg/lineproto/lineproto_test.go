package lineproto

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

type rw struct {
	io.Reader
	io.Writer
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr error
	}{
		{name: "single", input: "HELLO?\n", want: []string{"HELLO?"}, wantErr: io.EOF},
		{name: "keeps whitespace", input: " MODE? \n", want: []string{" MODE? "}, wantErr: io.EOF},
		{name: "strips only one newline", input: "INFO?\n\n", want: []string{"INFO?", ""}, wantErr: io.EOF},
		{name: "carriage return kept", input: "ACK CPU\r\n", want: []string{"ACK CPU\r"}, wantErr: io.EOF},
		{name: "partial", input: "ACK AR", wantErr: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(rw{Reader: strings.NewReader(tt.input), Writer: io.Discard})
			var got []string
			var err error
			for {
				var line string
				line, err = c.ReadLine()
				if err != nil {
					break
				}
				got = append(got, line)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("final error = %v, want %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadLineTooLong(t *testing.T) {
	input := strings.Repeat("A", 64) + "\n"
	c := New(rw{Reader: strings.NewReader(input), Writer: io.Discard}, WithMaxLineLength(32))
	if _, err := c.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("ReadLine() error = %v, want ErrLineTooLong", err)
	}

	fits := strings.Repeat("B", 32) + "\n"
	c = New(rw{Reader: strings.NewReader(fits), Writer: io.Discard}, WithMaxLineLength(32))
	line, err := c.ReadLine()
	if err != nil || len(line) != 32 {
		t.Fatalf("ReadLine() = %d bytes, %v", len(line), err)
	}
}

func TestReadLineTooLongBelowBufferMinimum(t *testing.T) {
	c := New(rw{Reader: strings.NewReader("ABCDEFGHIJKL\n"), Writer: io.Discard}, WithMaxLineLength(8))
	if line, err := c.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("ReadLine() = %q, %v, want ErrLineTooLong", line, err)
	}

	c = New(rw{Reader: strings.NewReader("ABCDEFGH\n"), Writer: io.Discard}, WithMaxLineLength(8))
	line, err := c.ReadLine()
	if err != nil || line != "ABCDEFGH" {
		t.Fatalf("ReadLine() = %q, %v", line, err)
	}
}

func TestExpect(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
		wantEOF bool
	}{
		{name: "match", input: "CPUINFO?\n", want: "CPUINFO?"},
		{name: "case differs", input: "cpuinfo?\n", want: "CPUINFO?", wantErr: true},
		{name: "prefix only", input: "ACK ARCHX\n", want: "ACK ARCH", wantErr: true},
		{name: "trailing space", input: "ACK ARCH \n", want: "ACK ARCH", wantErr: true},
		{name: "eof", input: "", want: "HELLO?", wantErr: true, wantEOF: true},
		{name: "partial then eof", input: "HELL", want: "HELLO?", wantErr: true, wantEOF: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(rw{Reader: strings.NewReader(tt.input), Writer: io.Discard})
			err := c.Expect(tt.want)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expect() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var mismatch *MismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Expect() error = %T, want *MismatchError", err)
			}
			if !errors.Is(err, ErrMismatch) {
				t.Fatalf("errors.Is(ErrMismatch) = false")
			}
			if mismatch.EOF != tt.wantEOF || mismatch.Want != tt.want {
				t.Fatalf("mismatch = %+v", mismatch)
			}
		})
	}
}

func TestWriteLineAndObserver(t *testing.T) {
	var out bytes.Buffer
	type event struct {
		dir  Direction
		line string
	}
	var seen []event
	c := New(rw{Reader: strings.NewReader("ACK ARCH\n"), Writer: &out}, WithObserver(func(d Direction, l string) {
		seen = append(seen, event{d, l})
	}))

	if err := c.WriteLine("ARCH=i686"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	if err := c.Expect("ACK ARCH"); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if err := c.WriteLine("BAD\nLINE"); !errors.Is(err, ErrEmbeddedNewline) {
		t.Fatalf("WriteLine() error = %v, want ErrEmbeddedNewline", err)
	}

	if out.String() != "ARCH=i686\n" {
		t.Fatalf("written = %q", out.String())
	}
	want := []event{{Sent, "ARCH=i686"}, {Received, "ACK ARCH"}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("observed = %v, want %v", seen, want)
	}
}
