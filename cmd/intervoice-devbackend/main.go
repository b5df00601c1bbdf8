// Command intervoice-devbackend serves a scripted rehearsal interviewer that
// speaks the intervoice backend protocol. Point the client's backend.http_url
// at it to practice without a real interview backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/intervoice/internal/devbackend"
	"github.com/MrWong99/intervoice/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8000", "listen address")
	scriptPath := flag.String("script", "", "interview script YAML (default: built-in script)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "intervoice-devbackend"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "intervoice-devbackend: telemetry: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	opts := []devbackend.Option{devbackend.WithMetricsHandler(tel.MetricsHandler())}
	if *scriptPath != "" {
		script, err := devbackend.LoadScript(*scriptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "intervoice-devbackend: %v\n", err)
			return 1
		}
		opts = append(opts, devbackend.WithScript(script))
	}

	if err := devbackend.New(opts...).ListenAndServe(ctx, *addr); err != nil {
		slog.Error("devbackend stopped", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
