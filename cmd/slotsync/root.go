package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miravisor/slotsync/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "slotsync",
		Short:         "Real-time slot availability and reservation client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "configs/slotsync.yaml", "path to config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: text, json (overrides config)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newReserveCmd(flags))

	return root
}

// load reads the config and installs the logger it asks for.
func (f *globalFlags) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(f.configPath)
	if err != nil {
		return nil, nil, err
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if f.logLevel != "" {
		level = f.logLevel
	}
	if f.logFormat != "" {
		format = f.logFormat
	}

	logger, err := newLogger(stderr, level, format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}

// newLogger builds a text or JSON slog handler at the given level.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
