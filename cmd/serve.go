package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the relay HTTP server",
		Long: `Starts the HTTP relay. In stream mode every fetch spawns the local
pipeline and forwards its stage records as server-sent events; in proxy mode
fetches are forwarded to an upstream deployment.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	svc, err := newService(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize relay: %w", err)
	}
	defer func() {
		// Run closes on its way out; this covers a failed listen.
		_ = svc.Close(context.WithoutCancel(cmd.Context()))
	}()

	if err := svc.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}
	return nil
}
