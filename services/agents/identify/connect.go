package identify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"
)

// Resolver turns a host name into candidate addresses, in preference order.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer opens a stream connection to one address.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connector establishes the TCP connection to the collection server.
type Connector struct {
	Resolver Resolver
	Dialer   Dialer
	// AttemptTimeout bounds each individual dial. Zero means no bound
	// beyond the caller's context.
	AttemptTimeout time.Duration
	Logger         *log.Logger
}

// Connect resolves host and dials each candidate address in order, returning
// the first connection that succeeds. When every candidate fails the error
// wraps ErrConnect and each per-address cause.
func (c *Connector) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	if c == nil {
		c = &Connector{}
	}
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrConnect)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConnect, port)
	}

	candidates, err := c.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	logger := c.logger()
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	var errs []error
	for _, ip := range candidates {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := c.dial(ctx, dialer, addr)
		if err == nil {
			logger.Printf("DEBUG connected to %s", addr)
			return conn, nil
		}
		logger.Printf("DEBUG connect %s: %v", addr, err)
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %s port %d: %w", ErrConnect, host, port, errors.Join(errs...))
}

func (c *Connector) resolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}

	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrConnect, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: no addresses", ErrConnect, host)
	}
	return addrs, nil
}

func (c *Connector) dial(ctx context.Context, dialer Dialer, addr string) (net.Conn, error) {
	if c.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.AttemptTimeout)
		defer cancel()
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (c *Connector) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard, "", 0)
}
