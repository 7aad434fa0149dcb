package hostbrowser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkginv "nodeident/pkg/inventory"
	"nodeident/pkg/lineproto"
	"nodeident/services/hostbrowser/internal/config"
)

// deliverTimeout bounds a delivery, which outlives cancellation of the
// serving context so a collected report is not lost at shutdown.
const deliverTimeout = 30 * time.Second

// Deliverer receives every successfully collected report.
type Deliverer interface {
	Deliver(ctx context.Context, rep *pkginv.Report) error
}

// Server accepts identify conversations over TCP.
type Server struct {
	cfg       config.CollectorConfig
	deliverer Deliverer
	metrics   *Metrics
	logger    *log.Logger
	now       func() time.Time

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a Server. deliverer and metrics may be nil.
func NewServer(cfg config.CollectorConfig, deliverer Deliverer, metrics *Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg:       cfg,
		deliverer: deliverer,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = config.DefaultListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready.Store(true)
	}
	s.logger.Printf("INFO collector listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, one goroutine each. Cancelling ctx
// closes ln and every live connection; Serve returns once all sessions end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
			s.closeAll()
		case <-stop:
		}
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Printf("WARN accept: %v", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := s.now()
	peer := conn.RemoteAddr().String()
	if s.cfg.IOTimeout > 0 {
		_ = conn.SetDeadline(start.Add(s.cfg.IOTimeout))
	}

	opts := []lineproto.Option{
		lineproto.WithObserver(func(dir lineproto.Direction, line string) {
			s.logger.Printf("DEBUG %s %s %q", peer, dir, line)
		}),
	}
	if s.cfg.MaxLineLength > 0 {
		opts = append(opts, lineproto.WithMaxLineLength(s.cfg.MaxLineLength))
	}

	inv, err := receiveInventory(conn, opts...)
	if err != nil {
		s.logger.Printf("WARN session from %s: %v", peer, err)
		s.metrics.observe(outcomeOf(err), s.now().Sub(start), nil)
		return
	}

	rep := pkginv.NewReport(inv, peer, s.now())
	if s.deliverer != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
		err := s.deliverer.Deliver(dctx, &rep)
		cancel()
		if err != nil {
			s.logger.Printf("ERROR deliver report %s from %s: %v", rep.ID, peer, err)
			s.metrics.observe(OutcomeDeliveryError, s.now().Sub(start), &inv)
			return
		}
	}
	s.logger.Printf("INFO received node %s (%s, %d cpus, %d nics) from %s as report %s",
		inv.UUID, inv.Architecture, len(inv.CPUs), len(inv.NICs), peer, rep.ID)
	s.metrics.observe(OutcomeOK, s.now().Sub(start), &inv)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}
