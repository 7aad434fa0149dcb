package identify

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"nodeident/pkg/inventory"
	"nodeident/pkg/lineproto"
)

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type pipeConnector struct {
	conn  *countingConn
	err   error
	calls int
}

func (p *pipeConnector) Connect(context.Context, string, int) (net.Conn, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

// tamperFunc may replace the stub's reply to a received line. The greeting is
// offered with an empty line.
type tamperFunc func(line string) (string, bool)

// startStub serves the conforming side of the protocol on one end of a pipe
// and returns the client end plus a channel yielding every line received.
func startStub(t *testing.T, tamper tamperFunc) (*pipeConnector, <-chan []string) {
	t.Helper()

	client, server := net.Pipe()
	out := make(chan []string, 1)

	go func() {
		defer server.Close()
		lc := lineproto.New(server)
		var got []string
		defer func() { out <- got }()

		reply := func(in, resp string) bool {
			if tamper != nil {
				if r, ok := tamper(in); ok {
					resp = r
				}
			}
			return lc.WriteLine(resp) == nil
		}

		if !reply("", "HELLO?") {
			return
		}
		for {
			line, err := lc.ReadLine()
			if err != nil {
				return
			}
			got = append(got, line)

			var resp string
			switch {
			case line == "HELLO!":
				resp = "MODE?"
			case line == "IDENTIFY":
				resp = "INFO?"
			case line == "CPU":
				resp = "CPUINFO?"
			case line == "ENDCPU":
				resp = "ACK CPU"
			case line == "NIC":
				resp = "NICINFO?"
			case line == "ENDNIC":
				resp = "ACK NIC"
			case line == "ENDINFO":
				return
			case strings.Contains(line, "="):
				resp = "ACK " + line[:strings.Index(line, "=")]
			default:
				resp = "ERROR unexpected line"
			}
			if !reply(line, resp) {
				return
			}
		}
	}()

	return &pipeConnector{conn: &countingConn{Conn: client}}, out
}

func sampleInventory(cpus, nics int) *inventory.Inventory {
	inv := &inventory.Inventory{}
	inv.SetScalars("x86_64", "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0", "16314284")
	for i := 0; i < cpus; i++ {
		c := inventory.NewCPU()
		c.Number = string(rune('0' + i))
		c.Vendor = "GenuineIntel"
		c.Model = "85"
		c.Family = "6"
		c.CPUIDLevel = "22"
		c.SpeedMHz = "2100.000"
		c.CacheSize = "11264 KB"
		c.Flags = "fpu vme de pse tsc msr"
		inv.AddCPU(c)
	}
	for i := 0; i < nics; i++ {
		inv.AddNIC(inventory.NIC{MACAddress: "52:54:00:12:34:5" + string(rune('0'+i)), BandwidthMbps: 1000})
	}
	return inv
}

func expectedClientLines(inv *inventory.Inventory) []string {
	lines := []string{"HELLO!", "IDENTIFY"}
	for _, f := range inv.Scalars() {
		lines = append(lines, f.Line())
	}
	for _, c := range inv.CPUs {
		lines = append(lines, "CPU")
		for _, f := range c.Fields() {
			lines = append(lines, f.Line())
		}
		lines = append(lines, "ENDCPU")
	}
	for _, n := range inv.NICs {
		lines = append(lines, "NIC")
		for _, f := range n.Fields() {
			lines = append(lines, f.Line())
		}
		lines = append(lines, "ENDNIC")
	}
	return append(lines, "ENDINFO")
}

func receive(t *testing.T, ch <-chan []string) []string {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("stub server did not finish")
		return nil
	}
}

func TestRunRoundTrip(t *testing.T) {
	inv := sampleInventory(2, 1)
	connector, received := startStub(t, nil)

	conv := NewConversation(Config{Host: "server", Port: 12120, Timeout: 5 * time.Second}, WithConnector(connector))
	if err := conv.Run(context.Background(), inv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := receive(t, received)
	if want := expectedClientLines(inv); !reflect.DeepEqual(got, want) {
		t.Fatalf("client lines =\n%q\nwant\n%q", got, want)
	}
	if n := connector.conn.closes.Load(); n != 1 {
		t.Fatalf("connection closed %d times, want 1", n)
	}
}

func TestRunWithoutRecords(t *testing.T) {
	inv := sampleInventory(0, 0)
	connector, received := startStub(t, nil)

	if err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), inv); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := receive(t, received)
	want := []string{"HELLO!", "IDENTIFY", inv.Scalars()[0].Line(), inv.Scalars()[1].Line(), inv.Scalars()[2].Line(), "ENDINFO"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("client lines = %q, want %q", got, want)
	}
}

func TestRunAbortsOnDesync(t *testing.T) {
	tests := []struct {
		name      string
		tamper    tamperFunc
		wantState State
		wantLast  string
		wantWant  string
	}{
		{
			name: "bad greeting",
			tamper: func(line string) (string, bool) {
				return "HELO?", line == ""
			},
			wantState: StateHandshaking,
			wantWant:  "HELLO?",
		},
		{
			name: "lowercase mode prompt",
			tamper: func(line string) (string, bool) {
				return "mode?", line == "HELLO!"
			},
			wantState: StateModeNegotiated,
			wantLast:  "HELLO!",
			wantWant:  "MODE?",
		},
		{
			name: "wrong scalar ack",
			tamper: func(line string) (string, bool) {
				return "ACK MEMSIZ", strings.HasPrefix(line, "MEMSIZE=")
			},
			wantState: StateSendingScalars,
			wantLast:  "MEMSIZE=16314284",
			wantWant:  "ACK MEMSIZE",
		},
		{
			name: "server error line",
			tamper: func(line string) (string, bool) {
				return "ERROR unsupported mode IDENTIFY", line == "IDENTIFY"
			},
			wantState: StateSendingScalars,
			wantLast:  "IDENTIFY",
			wantWant:  "INFO?",
		},
		{
			name: "nic record not acknowledged",
			tamper: func(line string) (string, bool) {
				return "ACK CPU", line == "ENDNIC"
			},
			wantState: StateSendingNICs,
			wantLast:  "ENDNIC",
			wantWant:  "ACK NIC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connector, received := startStub(t, tt.tamper)
			err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), sampleInventory(1, 1))

			var convErr *ConversationError
			if !errors.As(err, &convErr) {
				t.Fatalf("Run() error = %v, want *ConversationError", err)
			}
			if !errors.Is(err, ErrDesync) {
				t.Fatalf("Run() error = %v, want ErrDesync", err)
			}
			if convErr.State != tt.wantState {
				t.Fatalf("state = %s, want %s", convErr.State, tt.wantState)
			}
			var mismatch *MismatchError
			if !errors.As(err, &mismatch) || mismatch.Want != tt.wantWant {
				t.Fatalf("mismatch = %+v, want Want %q", mismatch, tt.wantWant)
			}

			got := receive(t, received)
			last := ""
			if len(got) > 0 {
				last = got[len(got)-1]
			}
			if last != tt.wantLast {
				t.Fatalf("last client line = %q, want %q (all: %q)", last, tt.wantLast, got)
			}
			if n := connector.conn.closes.Load(); n != 1 {
				t.Fatalf("connection closed %d times, want 1", n)
			}
		})
	}
}

func TestRunAllOrNothingWithinCPURecords(t *testing.T) {
	inv := sampleInventory(3, 2)
	cpuRecords := 0
	tamper := func(line string) (string, bool) {
		if line == "CPU" {
			cpuRecords++
		}
		return "ACK CPUIDLV", cpuRecords == 2 && strings.HasPrefix(line, "CPUIDLVL=")
	}
	connector, received := startStub(t, tamper)

	err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), inv)

	var convErr *ConversationError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrDesync) {
		t.Fatalf("Run() error = %v, want desync ConversationError", err)
	}
	if convErr.State != StateSendingCPUs {
		t.Fatalf("state = %s, want SENDING_CPUS", convErr.State)
	}
	if !strings.HasPrefix(convErr.Step, "cpu 1: ") {
		t.Fatalf("step = %q, want cpu 1 prefix", convErr.Step)
	}

	got := receive(t, received)
	full := expectedClientLines(inv)
	// Lines through the 7th field of the second CPU record.
	cut := 2 + 3 + 12 + 1 + 7
	if want := full[:cut]; !reflect.DeepEqual(got, want) {
		t.Fatalf("client lines =\n%q\nwant\n%q", got, want)
	}
	for _, line := range got {
		if line == "NIC" || line == "ENDINFO" {
			t.Fatalf("client sent %q after abort", line)
		}
	}
}

func TestRunEndOfStreamIsDesync(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		lc := lineproto.New(server)
		_ = lc.WriteLine("HELLO?")
		_, _ = lc.ReadLine()
		_ = server.Close()
	}()

	connector := &pipeConnector{conn: &countingConn{Conn: client}}
	err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), sampleInventory(1, 0))

	var mismatch *MismatchError
	if !errors.Is(err, ErrDesync) || !errors.As(err, &mismatch) || !mismatch.EOF {
		t.Fatalf("Run() error = %v, want EOF desync", err)
	}
}

func TestRunTransportDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	connector := &pipeConnector{conn: &countingConn{Conn: client}}
	err := NewConversation(Config{Host: "server", Port: 1, Timeout: 50 * time.Millisecond}, WithConnector(connector)).Run(context.Background(), sampleInventory(1, 0))

	var convErr *ConversationError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want transport ConversationError", err)
	}
	if convErr.State != StateHandshaking {
		t.Fatalf("state = %s, want HANDSHAKING", convErr.State)
	}
	if n := connector.conn.closes.Load(); n != 1 {
		t.Fatalf("connection closed %d times, want 1", n)
	}
}

func TestRunRejectsInvalidInventoryBeforeDialling(t *testing.T) {
	inv := sampleInventory(1, 1)
	inv.UUID = ""
	connector := &pipeConnector{}

	err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), inv)

	var convErr *ConversationError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrInvalidInventory) {
		t.Fatalf("Run() error = %v, want ErrInvalidInventory", err)
	}
	if !errors.Is(err, inventory.ErrInvalid) {
		t.Fatalf("Run() error = %v, want wrapped inventory.ErrInvalid", err)
	}
	if convErr.State != StateStart || connector.calls != 0 {
		t.Fatalf("state = %s, dial calls = %d", convErr.State, connector.calls)
	}
}

func TestRunConnectFailure(t *testing.T) {
	connector := &pipeConnector{err: errors.New("no route to host")}

	err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector)).Run(context.Background(), sampleInventory(1, 1))

	var convErr *ConversationError
	if !errors.As(err, &convErr) || !errors.Is(err, ErrConnect) {
		t.Fatalf("Run() error = %v, want ErrConnect", err)
	}
	if convErr.State != StateStart || convErr.Step != "connect" {
		t.Fatalf("state = %s step = %q", convErr.State, convErr.Step)
	}
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	connector, received := startStub(t, nil)
	if err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector), WithTracerProvider(tp)).Run(context.Background(), sampleInventory(1, 1)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	receive(t, received)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
		if span.Name() == "identify.handshake" {
			var lines []string
			for _, ev := range span.Events() {
				for _, attr := range ev.Attributes {
					if attr.Key == "line" {
						lines = append(lines, ev.Name+" "+attr.Value.AsString())
					}
				}
			}
			if want := []string{"recv HELLO?", "send HELLO!"}; !reflect.DeepEqual(lines, want) {
				t.Fatalf("handshake events = %q, want %q", lines, want)
			}
		}
	}
	for _, name := range []string{"identify.conversation", "identify.handshake", "identify.mode", "identify.scalars", "identify.cpus", "identify.nics", "identify.close"} {
		if !names[name] {
			t.Fatalf("missing span %q in %v", name, names)
		}
	}

	recorder = tracetest.NewSpanRecorder()
	tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	connector, received = startStub(t, func(line string) (string, bool) { return "NOPE", line == "" })
	if err := NewConversation(Config{Host: "server", Port: 1}, WithConnector(connector), WithTracerProvider(tp)).Run(context.Background(), sampleInventory(1, 1)); err == nil {
		t.Fatal("Run() succeeded against a desynchronized server")
	}
	receive(t, received)
	for _, span := range recorder.Ended() {
		if span.Name() == "identify.conversation" && span.Status().Code != codes.Error {
			t.Fatalf("conversation span status = %v, want Error", span.Status())
		}
	}
}
