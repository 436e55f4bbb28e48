package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"robotcore/internal/bootstrap"
	"robotcore/internal/config"
	"robotcore/internal/logging"
	"robotcore/internal/providers/display"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath     string
		logLevel    string
		logFormat   string
		metricsAddr string
		noStdin     bool
	)

	root := &cobra.Command{
		Use:          "robotcore",
		Short:        "Control core for the companion robot client device",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "YAML config file (default $ROBOT_CONFIG_FILE)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect to the backend and run the interaction loop",
		Long: `Runs the interaction loop until interrupted.

Lines on stdin drive the loop in place of the wake-word model:
  wake          wake word heard
  scan          ask the backend to guide a face scan
  say <text>    typed message
SIGUSR1 is also treated as a wake word.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}

			logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			services, err := bootstrap.Build(cfg, bootstrap.Options{
				Events: display.NewLogSink(logger),
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wake := make(chan os.Signal, 1)
			signal.Notify(wake, syscall.SIGUSR1)
			defer signal.Stop(wake)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-wake:
						services.Orchestrator.Wake()
					}
				}
			}()

			if !noStdin {
				go func() {
					if err := runHarness(ctx, os.Stdin, os.Stderr, services.Orchestrator); err != nil {
						logger.Warn().Err(err).Msg("stdin harness stopped")
					}
				}()
			}

			logger.Info().Str("version", version).Str("device_id", cfg.Device.ID).Msg("robotcore starting")
			return services.Run(ctx)
		},
	}
	run.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	run.Flags().StringVar(&logFormat, "log-format", "json", "log format (json or console)")
	run.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	run.Flags().BoolVar(&noStdin, "no-stdin", false, "do not read harness commands from stdin")

	root.AddCommand(run)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "robotcore %s\n", version)
		},
	})
	root.SetContext(context.Background())
	return root
}
