package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jihwankim/plant-datalogger/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Args:  cobra.NoArgs,
	Short: "Validate the tag configuration without connecting to any device",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&configOverride, "config", "", "tag configuration file (overrides the path in --settings)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadRuntimeSettings(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load runtime settings: %w", err)
	}

	if configOverride != "" {
		settings.ConfigPath = configOverride
	}
	cfg, err := config.LoadConfiguration(settings.ConfigPath)
	if err != nil {
		return err
	}

	fmt.Printf("OK: %s is valid (%d connection(s))\n", settings.ConfigPath, len(cfg.Connections))
	for _, conn := range cfg.Connections {
		tagCount := len(conn.ModbusTags) + len(conn.OpcUaTags)
		fmt.Printf("  - %s (%s, enabled=%t, %d tag(s))\n", conn.ConnectionName, conn.Type, conn.Enabled, tagCount)
	}
	return nil
}
