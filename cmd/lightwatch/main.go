// lightwatch watches camera feeds for red indicator lights and publishes an
// MQTT trigger whenever the number of lit lights changes.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-lightwatch/internal/config"
	"github.com/teslashibe/go-lightwatch/internal/log"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	cfg      config.Config
	cfgViper *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "lightwatch",
	Short: "Watch indicator lights and publish changes over MQTT",
	Long: `lightwatch - red indicator light monitor.

Cameras are sampled on a fixed cadence. Each camera keeps a baseline count of
lit regions; once the baseline has settled, any change in the count publishes
a trigger to the MQTT broker. Inbound state messages re-establish or
invalidate the baselines.

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. YAML file given with --config
  3. LIGHTWATCH_* environment variables (e.g. LIGHTWATCH_MQTT_BROKER)

Examples:
  lightwatch run --config lightwatch.yaml
  lightwatch detect --image frame.png
  lightwatch regions --mask mask.png
  lightwatch config show`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, v, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-json") {
			loaded.Log.JSON = logJSON
		}
		cfg, cfgViper = loaded, v
		return log.Init(log.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(regionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer log.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
