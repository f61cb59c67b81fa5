package main

import (
	"Go2NetWatch/internal/capture"
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/probe"
	"Go2NetWatch/internal/process"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
)

var (
	configPath string
	iface      string
	recordDir  string
)

var rootCmd = &cobra.Command{
	Use:          "nw-probe",
	Short:        "Capture TCP/UDP activity and publish it to nw-monitor over NATS",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if _, err := os.Stat(configPath); err == nil {
			if cfg, err = config.LoadConfig(configPath); err != nil {
				return err
			}
		}
		if iface != "" {
			cfg.Capture.Interface = iface
		}
		if recordDir != "" {
			cfg.Probe.Record.Dir = recordDir
		}
		if cfg.Capture.Interface == "" {
			return fmt.Errorf("no capture interface: set capture.interface or pass --iface")
		}
		if err := logging.Init(cfg.Logging.Format, cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialise logging: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runProbe(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")
	rootCmd.Flags().StringVarP(&iface, "iface", "i", "", "interface to capture on (overrides capture.interface)")
	rootCmd.Flags().StringVar(&recordDir, "record-dir", "", "also record captured packets to this directory")
}

// runProbe captures on the configured interface and publishes every decoded event.
func runProbe(ctx context.Context, cfg *config.Config) error {
	log := logging.L("probe")
	log.Infow("Starting nw-probe", "interface", cfg.Capture.Interface, "subject", cfg.Probe.Subject)

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		return err
	}
	defer pub.Close()

	inspector := process.NewInspector(config.MustDuration(cfg.Sampler.ProcessCacheTTL), cfg.Sampler.ProcessCacheSize)
	owners := capture.NewOwnerTable()
	if err := owners.Refresh(ctx); err != nil {
		log.Warnw("Socket owner refresh failed", "error", err)
	}
	decoder := capture.NewPacketDecoder(owners, func(pid uint32) string {
		id, err := inspector.Identity(pid)
		if err != nil {
			return ""
		}
		return id.Name
	})

	src := capture.NewPcapSource(cfg.Capture, decoder, func(e *model.CaptureEvent) bool {
		if err := pub.PublishCapture(e); err != nil {
			log.Warnw("Publish failed", "type", e.Type, "error", err)
			return false
		}
		return true
	})

	if cfg.Probe.Record.Dir != "" {
		rec, err := probe.NewRecorder(cfg.Probe.Record, layers.LinkTypeEthernet, uint32(cfg.Capture.SnapshotLen))
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warnw("Recorder close failed", "error", err)
			}
		}()
		src.SetTap(func(packet gopacket.Packet, events []*model.CaptureEvent) {
			rec.Enqueue(probe.Record{Packet: packet, Events: events})
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		owners.Run(runCtx, config.MustDuration(cfg.Capture.OwnerRefresh))
	}()

	err = src.Run(runCtx)
	cancel()
	wg.Wait()
	log.Infow("Probe stopped", "published", pub.Sent())
	return err
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
