// Package hostbrowser is the collection server managed nodes report their
// hardware inventory to.
package hostbrowser

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	pkginv "nodeident/pkg/inventory"
	"nodeident/pkg/lineproto"
)

const (
	lineHello      = "HELLO?"
	lineHelloReply = "HELLO!"
	lineMode       = "MODE?"
	lineIdentify   = "IDENTIFY"
	lineInfo       = "INFO?"
	lineEndInfo    = "ENDINFO"
	lineCPU        = "CPU"
	lineCPUInfo    = "CPUINFO?"
	lineEndCPU     = "ENDCPU"
	lineNIC        = "NIC"
	lineNICInfo    = "NICINFO?"
	lineEndNIC     = "ENDNIC"
	lineBye        = "BYE"
	ackPrefix      = "ACK "
	errorPrefix    = "ERROR "

	// maxRecords bounds the CPU and NIC records accepted from one node.
	maxRecords = 4096
)

var (
	// ErrProtocol reports a peer that broke the conversation; it has been
	// answered with an ERROR line.
	ErrProtocol = errors.New("protocol violation")
	// ErrTransport reports a read or write failure on the connection.
	ErrTransport = errors.New("transport failure")
)

var labelPattern = regexp.MustCompile(`^[A-Z]+$`)

type session struct {
	lines *lineproto.Conn
	inv   pkginv.Inventory
}

// receiveInventory runs the server side of one identify conversation on rw and
// returns the inventory the node reported.
func receiveInventory(rw io.ReadWriter, opts ...lineproto.Option) (pkginv.Inventory, error) {
	s := &session{lines: lineproto.New(rw, opts...)}
	if err := s.serve(); err != nil {
		return pkginv.Inventory{}, err
	}
	return s.inv, nil
}

func (s *session) serve() error {
	if err := s.send(lineHello); err != nil {
		return err
	}
	reply, err := s.read()
	if err != nil {
		return err
	}
	if reply != lineHelloReply {
		return s.reject("expected %s", lineHelloReply)
	}

	if err := s.send(lineMode); err != nil {
		return err
	}
	mode, err := s.read()
	if err != nil {
		return err
	}
	if mode != lineIdentify {
		return s.reject("unsupported mode %s", mode)
	}

	if err := s.send(lineInfo); err != nil {
		return err
	}

	for {
		line, err := s.read()
		if err != nil {
			return err
		}
		switch line {
		case lineEndInfo:
			if err := s.inv.Validate(); err != nil {
				return s.reject("%v", err)
			}
			// The client may already have hung up.
			_ = s.lines.WriteLine(lineBye)
			return nil
		case lineCPU:
			if err := s.receiveCPU(); err != nil {
				return err
			}
		case lineNIC:
			if err := s.receiveNIC(); err != nil {
				return err
			}
		default:
			label, value, err := s.field(line)
			if err != nil {
				return err
			}
			if err := s.inv.SetScalar(label, value); err != nil {
				return s.reject("unknown label %s", label)
			}
			if err := s.send(ackPrefix + label); err != nil {
				return err
			}
		}
	}
}

func (s *session) receiveCPU() error {
	if len(s.inv.CPUs) >= maxRecords {
		return s.reject("too many cpu records")
	}
	cpu := pkginv.NewCPU()
	if err := s.receiveRecord(lineCPUInfo, lineEndCPU, cpu.Set); err != nil {
		return err
	}
	s.inv.AddCPU(cpu)
	return s.send(ackPrefix + lineCPU)
}

func (s *session) receiveNIC() error {
	if len(s.inv.NICs) >= maxRecords {
		return s.reject("too many nic records")
	}
	nic := pkginv.NewNIC()
	if err := s.receiveRecord(lineNICInfo, lineEndNIC, nic.Set); err != nil {
		return err
	}
	s.inv.AddNIC(nic)
	return s.send(ackPrefix + lineNIC)
}

// receiveRecord prompts for a record and applies and acknowledges its fields
// until end.
func (s *session) receiveRecord(prompt, end string, set func(label, value string) error) error {
	if err := s.send(prompt); err != nil {
		return err
	}
	for {
		line, err := s.read()
		if err != nil {
			return err
		}
		if line == end {
			return nil
		}
		label, value, err := s.field(line)
		if err != nil {
			return err
		}
		if err := set(label, value); err != nil {
			if errors.Is(err, pkginv.ErrUnknownLabel) {
				return s.reject("unknown label %s", label)
			}
			return s.reject("invalid value for %s", label)
		}
		if err := s.send(ackPrefix + label); err != nil {
			return err
		}
	}
}

func (s *session) field(line string) (string, string, error) {
	label, value, ok := strings.Cut(line, "=")
	if !ok || !labelPattern.MatchString(label) {
		return "", "", s.reject("malformed line")
	}
	return label, value, nil
}

func (s *session) send(line string) error {
	if err := s.lines.WriteLine(line); err != nil {
		return fmt.Errorf("%w: send %q: %w", ErrTransport, line, err)
	}
	return nil
}

func (s *session) read() (string, error) {
	line, err := s.lines.ReadLine()
	switch {
	case errors.Is(err, lineproto.ErrLineTooLong):
		return "", s.reject("line too long")
	case err != nil:
		return "", fmt.Errorf("%w: receive: %w", ErrTransport, err)
	}
	return line, nil
}

// reject tells the peer why the conversation ends. The peer may already be
// gone, so the write result is ignored.
func (s *session) reject(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	_ = s.lines.WriteLine(errorPrefix + msg)
	return fmt.Errorf("%w: %s", ErrProtocol, msg)
}
