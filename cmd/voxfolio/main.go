// Command voxfolio serves a realtime voice assistant that answers visitors'
// questions about a portfolio profile.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxfolio/internal/app"
	"github.com/MrWong99/voxfolio/internal/config"
	"github.com/MrWong99/voxfolio/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxfolio.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxfolio: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxfolio: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxfolio starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxfolio",
		ServiceVersion: version,
		Provider:       cfg.Provider.Name,
		Model:          cfg.Provider.Model,
		AudioBackend:   cfg.Audio.Backend,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider and audio backend ────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, cfg)

	provider, err := reg.CreateS2S(cfg)
	if err != nil {
		slog.Error("failed to create provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	backend, err := reg.CreateAudio(cfg)
	if err != nil {
		slog.Error("failed to create audio backend", "name", cfg.Audio.Backend, "err", err)
		return 1
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	opts := []app.Option{app.WithLevel(level), app.WithMetrics(tel.Metrics)}
	if cfg.Audio.Backend == backendMalgo {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}
	application, err := app.New(cfg, provider, backend, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxfolio: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name, cfg.Provider.Model)
	printRow("Audio", cfg.Audio.Backend, "")
	printRow("Theme", cfg.Persona.Theme, "")
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, name, detail string) {
	value := name
	switch {
	case value == "":
		value = "(default)"
	case detail != "":
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
