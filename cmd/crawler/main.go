// cmd/crawler/main.go
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"workflow-crawler/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Subcommands load their own configuration and logger
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "crawler",
		Short:         "Discover, download, and index GitHub Actions workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCrawlCommand(), newServeCommand())
	return root
}

// newLogger builds the JSON logger for cfg. When LOG_FILE is set, output is also
// written to a size-rotated file; the returned func closes it.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	logLevel := new(slog.LevelVar)
	setLogLevel(cfg.LogLevel, logLevel)

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true, // gzip rotated files
		}
		out = io.MultiWriter(os.Stdout, file)
		closeLog = func() { _ = file.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger, closeLog
}

// setLogLevel maps a LOG_LEVEL value onto v. Unknown values mean info.
func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
