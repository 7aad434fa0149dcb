package identify

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
)

// Agent collects the local inventory and reports it once.
type Agent struct {
	opts      Options
	collector *Collector
	logger    *log.Logger
	out       io.Writer
	convOpts  []Option
}

// NewAgent returns an Agent for validated options. Progress messages for the
// operator go to out; diagnostics go to logger.
func NewAgent(opts Options, logger *log.Logger, out io.Writer, convOpts ...Option) (*Agent, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if out == nil {
		out = os.Stdout
	}
	return &Agent{
		opts:      opts,
		collector: NewCollector(logger),
		logger:    logger,
		out:       out,
		convOpts:  convOpts,
	}, nil
}

// Run performs one collection and one conversation.
func (a *Agent) Run(ctx context.Context) error {
	fmt.Fprintln(a.out, "Sending managed node details to server.")

	inv, err := a.collector.Collect(CollectOptions{UUID: a.opts.UUID, Testing: a.opts.Testing})
	if err != nil {
		return fmt.Errorf("collect inventory: %w", err)
	}

	opts := append([]Option{WithLogger(a.logger)}, a.convOpts...)
	conv := NewConversation(Config{
		Host:    a.opts.Server,
		Port:    a.opts.Port,
		Timeout: a.opts.Timeout,
	}, opts...)
	if err := conv.Run(ctx, inv); err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Finished!")
	return nil
}
