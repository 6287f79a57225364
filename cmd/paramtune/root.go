package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	logOutput string

	cfg    *config.Config
	logger *logging.Logger
}

// optimizerLogger bridges the CLI logger to zap for the optimizers.
func (o *rootOptions) optimizerLogger() *zap.Logger {
	return logging.NewZapLogger(o.logger.WithField("component", "optimizer"))
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "paramtune",
		Short: "Derivative-free parameter tuning with Nelder-Mead and SPSA",
		Long: `paramtune minimizes noisy or expensive objectives without gradients.
Jobs are read from a YAML file and run concurrently with the simplex
(Nelder-Mead) or SPSA optimizer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			lc := &logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}
			if opts.logLevel != "" {
				lc.Level = opts.logLevel
			}
			if opts.logFormat != "" {
				lc.Format = opts.logFormat
			}
			if opts.logOutput != "" {
				lc.Output = opts.logOutput
			}
			logger, err := logging.NewLogger(lc)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "Log format (json, text)")
	cmd.PersistentFlags().StringVar(&opts.logOutput, "log-output", "", "Log destination (stdout, stderr or a file path)")

	cmd.AddCommand(newRunCmd(opts), newBenchmarksCmd(), newVersionCmd())
	return cmd
}
