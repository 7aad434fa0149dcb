package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nodeident/pkg/telemetry"
	"nodeident/services/agents/identify"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		flags      identify.Options
		configPath string
	)

	cmd := &cobra.Command{
		Use:           "identify-node",
		Short:         "Report this node's hardware inventory to the collection server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			base, err := identify.LoadOptions(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			opts := identify.Merge(base, flags, cmd.Flags().Changed)

			shutdown, _, _, err := telemetry.Init(ctx, "identify-node")
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()

			logger := telemetry.NewLogger("identify-node", os.Stderr, opts.LogLevel())
			agent, err := identify.NewAgent(opts, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return agent.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", identify.ConfigPath, "Path to the YAML configuration file")
	cmd.Flags().StringVarP(&flags.Server, "server", "s", "", "Collection server host name or address")
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 0, "Collection server port")
	cmd.Flags().StringVarP(&flags.UUID, "uuid", "u", "", "Override the detected hardware UUID")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "Deadline for the whole conversation (0 disables)")
	cmd.Flags().BoolVarP(&flags.Testing, "testing", "t", false, "Report a synthetic test node instead of local hardware")
	cmd.Flags().BoolVarP(&flags.Debug, "debug", "d", false, "Log every protocol line")
	cmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Log progress")
	return cmd
}
