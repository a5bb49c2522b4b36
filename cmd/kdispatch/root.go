package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	logLevel  string
	logFormat string
	logOut    io.Writer
	logger    *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{logOut: os.Stderr}
	cmd := &cobra.Command{
		Use:   "kdispatch",
		Short: "Dispatch compute kernels to CPU and GPU devices",
		Long: `kdispatch selects a compute device, builds a kernel program for it,
launches the kernel over an N-dimensional range and reads the result back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.newLogger()
			if err != nil {
				return err
			}
			g.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(
		newRunCmd(g),
		newDevicesCmd(g),
		newMatmulCmd(g),
		newVersionCmd(),
	)
	return cmd
}

func (g *globalOptions) newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(g.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", g.logLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch g.logFormat {
	case "text":
		handler = slog.NewTextHandler(g.logOut, opts)
	case "json":
		handler = slog.NewJSONHandler(g.logOut, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", g.logFormat)
	}
	return slog.New(handler), nil
}
