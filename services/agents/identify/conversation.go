// Package identify implements the managed node side of the identification
// handshake: collecting the local hardware inventory and reporting it to the
// collection server over a single line-oriented conversation.
package identify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nodeident/pkg/inventory"
	"nodeident/pkg/lineproto"
)

const tracerName = "nodeident/services/agents/identify"

// Protocol lines.
const (
	lineHello      = "HELLO?"
	lineHelloReply = "HELLO!"
	lineMode       = "MODE?"
	lineIdentify   = "IDENTIFY"
	lineInfo       = "INFO?"
	lineCPU        = "CPU"
	lineCPUInfo    = "CPUINFO?"
	lineEndCPU     = "ENDCPU"
	lineNIC        = "NIC"
	lineNICInfo    = "NICINFO?"
	lineEndNIC     = "ENDNIC"
	lineEndInfo    = "ENDINFO"
	ackPrefix      = "ACK "
)

// Config controls a Conversation.
type Config struct {
	Host string
	Port int
	// Timeout is applied once as a deadline on the whole conversation.
	// Zero disables it.
	Timeout       time.Duration
	MaxLineLength int
}

// ConnectionSource opens the connection a conversation runs over.
// *Connector is the default implementation.
type ConnectionSource interface {
	Connect(ctx context.Context, host string, port int) (net.Conn, error)
}

// Conversation reports one inventory to one server.
type Conversation struct {
	cfg       Config
	connector ConnectionSource
	logger    *log.Logger
	tracer    trace.Tracer
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithConnector replaces the default Connector.
func WithConnector(c ConnectionSource) Option {
	return func(conv *Conversation) {
		if c != nil {
			conv.connector = c
		}
	}
}

// WithLogger sets the logger used for per-step diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(conv *Conversation) {
		if l != nil {
			conv.logger = l
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(conv *Conversation) {
		if tp != nil {
			conv.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewConversation returns a Conversation for cfg.
func NewConversation(cfg Config, opts ...Option) *Conversation {
	conv := &Conversation{
		cfg:    cfg,
		logger: log.New(io.Discard, "", 0),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(conv)
	}
	if conv.connector == nil {
		conv.connector = &Connector{Logger: conv.logger}
	}
	return conv
}

// Run validates inv, connects, and walks the fixed protocol sequence. It
// returns nil once ENDINFO has been sent, or a *ConversationError. The
// connection, once opened, is closed exactly once. ctx bounds dialling only.
func (c *Conversation) Run(ctx context.Context, inv *inventory.Inventory) (err error) {
	ctx, span := c.tracer.Start(ctx, "identify.conversation", trace.WithAttributes(
		attribute.String("server.address", c.cfg.Host),
		attribute.Int("server.port", c.cfg.Port),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r := &run{conv: c, ctx: ctx, state: StateStart, span: span}

	if verr := inv.Validate(); verr != nil {
		r.step = "validate inventory"
		return r.fail(fmt.Errorf("%w: %w", ErrInvalidInventory, verr))
	}
	span.SetAttributes(
		attribute.Int("inventory.cpus", len(inv.CPUs)),
		attribute.Int("inventory.nics", len(inv.NICs)),
	)

	r.step = "connect"
	conn, cerr := c.connector.Connect(ctx, c.cfg.Host, c.cfg.Port)
	if cerr != nil {
		if !errors.Is(cerr, ErrConnect) {
			cerr = fmt.Errorf("%w: %w", ErrConnect, cerr)
		}
		return r.fail(cerr)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Printf("DEBUG close connection: %v", cerr)
		}
	}()
	r.state = StateConnected
	c.logger.Printf("INFO connected to %s", conn.RemoteAddr())

	if c.cfg.Timeout > 0 {
		r.step = "set deadline"
		if derr := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); derr != nil {
			return r.fail(fmt.Errorf("%w: %w", ErrTransport, derr))
		}
	}

	r.lines = lineproto.New(conn,
		lineproto.WithMaxLineLength(c.cfg.MaxLineLength),
		lineproto.WithObserver(r.observe),
	)

	phases := []struct {
		name  string
		state State
		fn    func() error
	}{
		{"handshake", StateHandshaking, r.handshake},
		{"mode", StateModeNegotiated, r.negotiateMode},
		{"scalars", StateSendingScalars, func() error { return r.sendScalars(inv) }},
		{"cpus", StateSendingCPUs, func() error { return r.sendCPUs(inv.CPUs) }},
		{"nics", StateSendingNICs, func() error { return r.sendNICs(inv.NICs) }},
		{"close", StateClosing, r.finish},
	}
	for _, p := range phases {
		if perr := r.phase(p.name, p.state, p.fn); perr != nil {
			return perr
		}
	}

	r.state = StateDone
	c.logger.Printf("INFO sent %d cpus and %d nics", len(inv.CPUs), len(inv.NICs))
	return nil
}

// run holds the mutable state of a single Run call.
type run struct {
	conv   *Conversation
	ctx    context.Context
	lines  *lineproto.Conn
	state  State
	record string
	step   string
	span   trace.Span
}

func (r *run) phase(name string, state State, fn func() error) error {
	_, span := r.conv.tracer.Start(r.ctx, "identify."+name)
	defer span.End()

	prev := r.span
	r.span = span
	defer func() { r.span = prev }()

	r.state = state
	r.conv.logger.Printf("DEBUG entering %s", state)
	if err := fn(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *run) handshake() error {
	if err := r.expect(lineHello); err != nil {
		return err
	}
	return r.send(lineHelloReply)
}

func (r *run) negotiateMode() error {
	if err := r.expect(lineMode); err != nil {
		return err
	}
	return r.send(lineIdentify)
}

func (r *run) sendScalars(inv *inventory.Inventory) error {
	if err := r.expect(lineInfo); err != nil {
		return err
	}
	for _, f := range inv.Scalars() {
		if err := r.sendField(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) sendCPUs(cpus []inventory.CPU) error {
	for i, cpu := range cpus {
		if err := r.sendRecord(fmt.Sprintf("cpu %d", i), lineCPU, lineCPUInfo, lineEndCPU, cpu.Fields()); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) sendNICs(nics []inventory.NIC) error {
	for i, nic := range nics {
		if err := r.sendRecord(fmt.Sprintf("nic %d", i), lineNIC, lineNICInfo, lineEndNIC, nic.Fields()); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) sendRecord(name, open, prompt, end string, fields []inventory.Field) error {
	r.record = name
	defer func() { r.record = "" }()
	r.span.AddEvent("record", trace.WithAttributes(attribute.String("record", name)))
	if err := r.send(open); err != nil {
		return err
	}
	if err := r.expect(prompt); err != nil {
		return err
	}
	for _, f := range fields {
		if err := r.sendField(f); err != nil {
			return err
		}
	}
	if err := r.send(end); err != nil {
		return err
	}
	return r.expect(ackPrefix + open)
}

func (r *run) sendField(f inventory.Field) error {
	if err := r.send(f.Line()); err != nil {
		return err
	}
	return r.expect(ackPrefix + f.Label)
}

func (r *run) finish() error {
	return r.send(lineEndInfo)
}

func (r *run) send(line string) error {
	r.setStep("send " + line)
	if err := r.lines.WriteLine(line); err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	return nil
}

func (r *run) expect(want string) error {
	r.setStep("expect " + want)
	err := r.lines.Expect(want)
	if err == nil {
		return nil
	}
	if errors.Is(err, lineproto.ErrMismatch) {
		return r.fail(fmt.Errorf("%w: %w", ErrDesync, err))
	}
	return r.fail(fmt.Errorf("%w: %w", ErrTransport, err))
}

func (r *run) setStep(step string) {
	if r.record != "" {
		step = r.record + ": " + step
	}
	r.step = step
}

func (r *run) fail(err error) error {
	convErr := &ConversationError{State: r.state, Step: r.step, Err: err}
	r.conv.logger.Printf("ERROR %v", convErr)
	r.state = StateFailed
	return convErr
}

func (r *run) observe(dir lineproto.Direction, line string) {
	r.conv.logger.Printf("DEBUG %s %s", dir, line)
	r.span.AddEvent(dir.String(), trace.WithAttributes(attribute.String("line", line)))
}
