package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/shopmetrics/config"
)

const usage = `usage: shopmetrics <command> [flags]

commands:
  run                  run every worker in this process (default)
  worker -id i -of n   run worker i of n as its own process
         [-since t]    adopt only sessions saved at or after t (RFC3339)
  plan                 compute and record the assignment, then exit
  export -in f -out f  write the result log to an xlsx workbook
`

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)

	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	// ── 3. Root context cancelled by SIGINT/SIGTERM ─────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		workers := fs.Int("workers", cfg.Workers.Count, "number of workers")
		_ = fs.Parse(args)
		cfg.Workers.Count = *workers
		err = runInProcess(ctx, cfg)
	case "worker":
		fs := flag.NewFlagSet("worker", flag.ExitOnError)
		id := fs.Int("id", 0, "worker index, 0 is the designated authenticator")
		of := fs.Int("of", cfg.Workers.Count, "total number of workers")
		sinceFlag := fs.String("since", "", "shared run start (RFC3339), default process start")
		_ = fs.Parse(args)
		if *id < 0 || *id >= *of {
			err = fmt.Errorf("worker id %d out of range [0,%d)", *id, *of)
			break
		}
		var since time.Time
		if *sinceFlag != "" {
			if since, err = time.Parse(time.RFC3339, *sinceFlag); err != nil {
				err = fmt.Errorf("worker -since: %w", err)
				break
			}
		}
		cfg.Workers.Count = *of
		err = runSingle(ctx, cfg, *id, since)
	case "plan":
		err = plan(ctx, cfg)
	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		in := fs.String("in", cfg.Sink.JSONLPath, "jsonl result log")
		out := fs.String("out", "results.xlsx", "workbook to write")
		_ = fs.Parse(args)
		err = export(cfg, *in, *out)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("shopmetrics interrupted")
		} else {
			slog.Error("shopmetrics failed", "command", cmd, "error", err)
		}
		os.Exit(1)
	}
	slog.Info("shopmetrics stopped", "command", cmd)
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
