package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/conductor"
	"github.com/roach88/cellchain/internal/keystore"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Long: `Run the cellchain conductor: publish, integrate and notify consumers plus
countersigning lock expiry. Ops left over from a previous run are drained
on startup.

Example:
  cellchain run --db ./node.db
  cellchain run --config ./conductor.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, rootOpts)
		},
	}
	return cmd
}

func runNode(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cfg, cmd.ErrOrStderr())

	logger.Info("opening database", "path", cfg.Database)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := keystore.Open(ctx, st, clock.Real())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load agent keys", err)
	}

	c, err := conductor.Start(ctx, st, keys, cfg, conductor.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start conductor", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Node running with %d agent(s). Press Ctrl-C to stop.\n", len(keys.Agents()))

	if err := c.Wait(); err != nil {
		return WrapExitError(ExitFailure, "node stopped", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}
