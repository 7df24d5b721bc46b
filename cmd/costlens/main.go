package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if os.Getenv("COSTLENS_DEBUG") != "" {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	root := cobra.Command{
		Use:     "costlens",
		Short:   "CostLens attributes and reconciles AI provider usage spend.",
		Version: version.String(),
	}

	root.AddCommand(newReportCommand(cfg))
	root.AddCommand(newRecentCommand(cfg))
	root.AddCommand(newDaemonCommand(cfg))
	root.AddCommand(newIngestCommand(cfg))
	root.AddCommand(newPricingCommand(cfg))
	root.AddCommand(newTimelineCommand(cfg))
	root.AddCommand(newGapFillCommand(cfg))
	root.AddCommand(newHistoryCommand(cfg))
	root.AddCommand(newFxCommand(cfg))
	root.AddCommand(newUpdateCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func socketPath(cfg config.Config) string {
	if cfg.Daemon.SocketPath != "" {
		return cfg.Daemon.SocketPath
	}
	return config.DefaultSocketPath()
}

func fxCachePath(cfg config.Config) string {
	if cfg.Fx.CachePath != "" {
		return cfg.Fx.CachePath
	}
	return config.DefaultFxCachePath()
}
