package cmd

import (
	"fmt"
	"os"

	"example.com/backstage/services/iotserver/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "iot-server",
	Short:         "Device registry and telemetry ingestion server for ESP32 and micro:bit devices.",
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load Config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Initialize Logger
		logger, err = cfg.Logging.NewLogger()
		if err != nil {
			return fmt.Errorf("failed to configure logger: %w", err)
		}
		logger.SetOutput(os.Stdout)
		cfg.Logger = logger
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
}
