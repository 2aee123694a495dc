package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile        string
	configOverride string
	verbose        bool
	version        = "dev" // set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "datalogger",
	Short: "Industrial data logger for Modbus/TCP and OPC-UA devices",
	Long: `datalogger polls Modbus/TCP and OPC-UA devices, evaluates every sample
against per-tag alarm thresholds and a streaming outlier model, and persists
the annotated time series to daily-rotated CSV files.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "settings", "", "runtime settings file (default ./datalogger.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
