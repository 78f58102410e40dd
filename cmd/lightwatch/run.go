package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/app"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

var watchConfig bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the light monitor",
	Long: `Open the configured cameras, connect to the MQTT broker and run the
detection loop until SIGINT or SIGTERM.

Cameras that fail to open are skipped; the process exits only when none
open. With --watch, edits to detection thresholds in the config file are
applied without a restart.`,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch", false, "Reload detection thresholds when the config file changes")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger := log.L()
	tel := telemetry.New(logger)

	var opts []app.Option
	if watchConfig && configPath != "" {
		opts = append(opts, app.WithConfigWatch(cfgViper))
	}

	a, err := app.New(cfg, tel, opts...)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Init(ctx); err != nil {
		a.Shutdown()
		return err
	}
	defer a.Shutdown()

	logger.Info("lightwatch running", zap.String("version", version))
	return a.Run(ctx)
}
