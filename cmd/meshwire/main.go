package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/prxssh/meshwire/internal/config"
	"github.com/prxssh/meshwire/internal/controller"
	"github.com/prxssh/meshwire/pkg/logging"
)

func main() {
	configDir := pflag.StringP("config-dir", "c", "", "root configuration directory")
	settings := pflag.StringArrayP("setting", "s", nil, "configuration override key=value (repeatable)")
	profile := pflag.StringP("profile", "p", "", "configuration profile overlay")
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.Parse()

	setupLogger(*verbose)

	if *configDir == "" {
		slog.Error("missing required flag --config-dir")
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir, []string{"network"}, *profile, *settings)
	if err != nil {
		slog.Error("configuration error", "error", err.Error())
		os.Exit(1)
	}
	config.Set(cfg)

	if out, err := json.Marshal(cfg); err == nil {
		slog.Info("config", "resolved", json.RawMessage(out))
	}

	if err := run(cfg); err != nil {
		slog.Error("run error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl, err := controller.New(cfg.Label, cfg.Network.Controller, slog.Default())
	if err != nil {
		return err
	}
	if err := ctrl.Initialize(); err != nil {
		return err
	}
	return ctrl.Run(ctx)
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.Level = slog.LevelDebug
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
