package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thobiasn/watchman/internal/daemon"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: watchman <daemon> [flags]\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: watchman <daemon> [flags]\n", os.Args[1])
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "/etc/watchman/config.toml", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
}
