package main

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	replayPath string
)

var rootCmd = &cobra.Command{
	Use:   "nw-monitor",
	Short: "Host network telemetry monitor",
	Long: "nw-monitor tracks live TCP/UDP activity per process and per interface, serves it to\n" +
		"subscribers and keeps multi-resolution traffic history.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Run one aggregation and retention pass against the configured store and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return aggregateOnce(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&replayPath, "replay", "", "replay a pcap file through the pipeline instead of capturing live")
	rootCmd.AddCommand(aggregateCmd)
}

// loadConfig reads the config file, falling back to defaults when it does not exist,
// and initialises logging.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(cfg.Logging.Format, cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("failed to initialise logging: %w", err)
	}
	return cfg, nil
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
