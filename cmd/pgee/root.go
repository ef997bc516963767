package main

import (
	"fmt"
	"os"

	"github.com/cjihrig/pgee/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var cfgFile string
var logLevel string
var pgConn string
var cfg *config.Config
var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "pgee",
	Short: "pgee bridges PostgreSQL LISTEN/NOTIFY and local events",
	Long:  `pgee subscribes to PostgreSQL notification channels, publishes pg_notify calls, and optionally forwards notifications to NATS or MQTT.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pgee.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&pgConn, "conn", "", "PostgreSQL connection string (overrides config)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
}

func initLogger() {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err = zcfg.Build()
	if err != nil {
		fmt.Println("Error creating logger:", err)
		os.Exit(1)
	}
}

// connString resolves the PostgreSQL connection string from the --conn flag
// or the config file.
func connString() (string, error) {
	if pgConn != "" {
		return pgConn, nil
	}
	if cfg.PG.ConnString != "" {
		return cfg.PG.ConnString, nil
	}
	return "", fmt.Errorf("no PostgreSQL connection string; set --conn or pg.connString")
}
