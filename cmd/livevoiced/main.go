package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolark/livevoice/internal/audio"
	"github.com/audiolark/livevoice/internal/capability"
	"github.com/audiolark/livevoice/internal/config"
	"github.com/audiolark/livevoice/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		probeOnly   bool
		listDevices bool
	)

	flag.StringVar(&configPath, "config", "livevoice.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&probeOnly, "probe", false, "Print the capability report and exit")
	flag.BoolVar(&listDevices, "devices", false, "List capture devices and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	if probeOnly {
		report := capability.Probe(cfg)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.Error("failed to print capability report", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if listDevices {
		opener, err := audio.NewOpener(cfg.Capture)
		if err != nil {
			logger.Error("failed to build capture opener", slog.String("error", err.Error()))
			os.Exit(1)
		}
		devices, err := opener.ListDevices()
		if err != nil {
			logger.Error("failed to list devices", slog.String("error", err.Error()))
			os.Exit(1)
		}
		for _, dev := range devices {
			fmt.Printf("%d\t%s\n", dev.Index, dev.Name)
		}
		return
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
