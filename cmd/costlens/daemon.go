package main

import (
	"time"

	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCommand(cfg config.Config) *cobra.Command {
	var (
		dbPath        string
		socket        string
		rollupSeconds int
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the telemetry daemon",
		Long:  "Runs the unix-socket daemon that ingests usage events, rolls up daily spend, prunes old data, and refreshes exchange rates.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return daemon.RunServer(daemon.Config{
				DBPath:         dbPath,
				SocketPath:     socket,
				FxCachePath:    cfg.Fx.CachePath,
				FxEndpoints:    cfg.Fx.Endpoints,
				RollupInterval: time.Duration(rollupSeconds) * time.Second,
				RetentionDays:  cfg.Data.RetentionDays,
				Verbose:        verbose || cfg.Daemon.Verbose,
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", cfg.Data.DBPath, "telemetry database path")
	cmd.Flags().StringVar(&socket, "socket", cfg.Daemon.SocketPath, "unix socket path")
	cmd.Flags().IntVar(&rollupSeconds, "rollup-interval", cfg.Daemon.RollupIntervalSeconds, "seconds between history roll-ups")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log daemon events to stderr")
	return cmd
}
