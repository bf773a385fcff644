// Package cmd defines the radar command line: serve runs the relay and fetch
// drives one session against a running relay.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jabawack/bay-area-radar/internal/config"
	"github.com/Jabawack/bay-area-radar/internal/server"
)

type cfgKeyType string

const cfgKey cfgKeyType = "config"

// Service is the long-running relay the serve command drives.
type Service interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// loadConfig and newService are variables so tests can swap them.
var (
	loadConfig = config.Load
	newService = func(ctx context.Context, cfg config.Config) (Service, error) {
		return server.Build(ctx, cfg, server.Deps{})
	}
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "radar",
		Short: "Bay Area job radar relay and client.",
		Long: `radar runs the job-search pipeline behind an HTTP relay that streams
stage progress to the dashboard as server-sent events, and includes a client
that drives one fetch and prints the filtered results.`,
		SilenceUsage: true,

		// Configuration is loaded once here and handed to subcommands through
		// the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RADAR_* environment variables override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		// cobra has already printed the error.
		os.Exit(1)
	}
}
