package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bolt-controller/internal/agent"
	"bolt-controller/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bolt-controller",
	Short: "Home controller for MFBOLT Bluetooth bulbs",
	Long: `Discovers MFBOLT bulbs over Bluetooth LE, keeps them connected and
exposes them through a WebSocket UI, MQTT / Home Assistant, Lua patterns
and cron schedules.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "config.json", "Path to the JSON or YAML configuration file")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	levelName := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		levelName = flag
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	logger.Infof("Starting Bolt Controller Agent version: %s, commit: %s, built: %s", version, commit, date)

	a, err := agent.NewAgent(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	go a.Run()

	// Wait for termination signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")
	a.Shutdown()
	logger.Info("Agent shut down gracefully.")
	return nil
}
