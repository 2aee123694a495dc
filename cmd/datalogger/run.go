package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jihwankim/plant-datalogger/pkg/config"
	"github.com/jihwankim/plant-datalogger/pkg/eventbus"
	"github.com/jihwankim/plant-datalogger/pkg/pipeline"
	"github.com/jihwankim/plant-datalogger/pkg/reporting"
	"github.com/jihwankim/plant-datalogger/pkg/shutdown"
	"github.com/jihwankim/plant-datalogger/pkg/telemetry"
)

var stopFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Start the acquisition pipeline",
	Long:  `Loads runtime settings and the tag configuration, then runs until interrupted.`,
	RunE:  runDataLogger,
}

func init() {
	runCmd.Flags().StringVar(&stopFile, "stop-file", "", "path polled for graceful shutdown, in addition to SIGINT/SIGTERM")
	runCmd.Flags().StringVar(&configOverride, "config", "", "tag configuration file (overrides the path in --settings)")
}

func runDataLogger(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadRuntimeSettings(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load runtime settings: %w", err)
	}

	logLevel := reporting.LogLevel(settings.LogLevel)
	if verbose {
		logLevel = reporting.LogLevelDebug
	}
	logFormat := reporting.LogFormat("text")
	if settings.LogFormat == "json" {
		logFormat = reporting.LogFormatJSON
	}
	logger := reporting.NewLogger(reporting.LoggerConfig{Level: logLevel, Format: logFormat, Output: os.Stdout})

	if configOverride != "" {
		settings.ConfigPath = configOverride
	}
	cfg, err := config.LoadConfiguration(settings.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load tag configuration: %w", err)
	}

	bus := eventbus.New()
	metrics := telemetry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCtl := shutdown.New(shutdown.Config{StopFile: stopFile}, logger)
	stopCtl.OnStop(cancel)
	stopCtl.Start(ctx)

	if settings.MetricsListenAddr != "" {
		server := telemetry.NewServer(settings.MetricsListenAddr, metrics)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("metrics server stopped", "error", err.Error())
			}
		}()
		logger.Info("metrics listening", "addr", settings.MetricsListenAddr)
	}

	p := pipeline.New(cfg, settings.PKIRoot, bus, metrics, logger)

	logger.Info("starting data logger", "connections", fmt.Sprintf("%d", len(cfg.Connections)))
	return p.Run(ctx)
}
