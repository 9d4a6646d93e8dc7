package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional, env and defaults apply without one)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stackd %s (%s)\n", version, commit)
		os.Exit(ExitSuccess)
	}

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stackd:", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return exitCode(logger, "startup failed", err)
	}

	logger.Info("stackd starting",
		"version", version,
		"addr", cfg.Server.Address(),
		"database", cfg.Database.DSN,
	)

	if err := server.Start(context.Background()); err != nil {
		return exitCode(logger, "server stopped", err)
	}
	return ExitSuccess
}

// exitCode logs err and maps it to a process exit code. ServerError
// carries its own code; anything else is a runtime failure.
func exitCode(logger *slog.Logger, msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg, "operation", sErr.Op, "error", sErr.Err)
		return sErr.ExitCode
	}
	logger.Error(msg, "error", err)
	return ExitRuntimeError
}
