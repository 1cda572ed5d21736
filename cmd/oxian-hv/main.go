// Command oxian-hv is the hypervisor process entrypoint: it loads
// configuration, wires the supervisor/proxy components, and runs the
// public and OTLP listeners until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxian-dev/oxian-hypervisor/internal/config"
	"github.com/oxian-dev/oxian-hypervisor/internal/logging"
	"github.com/oxian-dev/oxian-hypervisor/internal/server"
)

var (
	flagConfigPath    string
	flagPort          int
	flagSource        string
	flagDenoConfig    string
	flagDenoImportMap string
	flagReload        string
	flagLogLevel      string
)

func main() {
	root := &cobra.Command{
		Use:   "oxian-hv",
		Short: "Oxian hypervisor: multi-tenant process supervisor and reverse proxy",
		RunE:  run,
	}
	root.Flags().StringVar(&flagConfigPath, "config", "oxian.yaml", "path to the hypervisor config file")
	root.Flags().IntVar(&flagPort, "port", 0, "override server.port from config")
	root.Flags().StringVar(&flagSource, "source", "", "override globalRoot from config")
	root.Flags().StringVar(&flagDenoConfig, "deno-config", "", "forwarded to workers as --config")
	root.Flags().StringVar(&flagDenoImportMap, "deno-import-map", "", "forwarded to workers as --import-map")
	root.Flags().StringVar(&flagReload, "reload", "", "enable force-reload semantics (any non-empty value; targets are not used)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := logging.Setup(flagLogLevel, isTerminal())

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	srv := server.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Int("port", cfg.Server.Port).Msg("oxian hypervisor starting")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server run: %w", err)
	}
	log.Info().Msg("oxian hypervisor shut down cleanly")
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagSource != "" {
		cfg.GlobalRoot = flagSource
	}
	if flagDenoConfig != "" {
		cfg.Runtime.DenoConfigPath = flagDenoConfig
	}
	if flagDenoImportMap != "" {
		cfg.Runtime.HostConfigPath = flagDenoImportMap
	}
	if flagReload != "" {
		cfg.Runtime.ForceReload = true
	}
}

func isTerminal() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
