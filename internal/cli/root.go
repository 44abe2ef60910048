// Package cli implements the esi command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/esi"
	"github.com/ambiyansyah-risyal/esi/internal/config"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logFile    string
	debug      bool
}

// NewRootCommand builds the esi command tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:           "esi",
		Short:         "Assemble HTML pages from Edge Side Includes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "append logs to this file instead of stderr")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "log every fetch")

	root.AddCommand(newProcessCommand(g), newServeCommand(g), newVersionCommand())
	return root
}

// loadConfig reads the configuration file, if any, and applies the global
// flags on top.
func (g *globalOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-file") {
		cfg.LogFile = g.logFile
	}
	if flags.Changed("debug") {
		cfg.Debug = g.debug
	}
	return cfg, nil
}

// openLogger returns the logger for cfg and a function releasing its sink.
func openLogger(cfg *config.Config, stderr io.Writer) (esi.Logger, func() error, error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	if cfg.LogFile == "" {
		return esi.NewSinkLogger(stderr, level), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return esi.NewSinkLogger(f, level), f.Close, nil
}

// buildProcessor creates a processor from cfg sharing logger and metrics
// with any processor built before it.
func buildProcessor(cfg *config.Config, logger esi.Logger, metrics *esi.MetricsCollector) (*esi.Processor, error) {
	opts := append(cfg.Options(), esi.WithLogger(logger))
	if metrics != nil {
		opts = append(opts, esi.WithMetricsCollector(metrics))
	}
	return esi.New(opts...)
}
