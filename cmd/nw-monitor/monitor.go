package main

import (
	"Go2NetWatch/internal/aggregation"
	"Go2NetWatch/internal/alerter"
	"Go2NetWatch/internal/capture"
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/dispatch"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/notification"
	"Go2NetWatch/internal/probe"
	"Go2NetWatch/internal/process"
	"Go2NetWatch/internal/ranking"
	"Go2NetWatch/internal/sampler"
	"Go2NetWatch/internal/storage"
	"Go2NetWatch/internal/tracker"
	"Go2NetWatch/internal/transport"
	"context"
	"fmt"
	"sync"
	"time"
)

// pipeline holds the live components shared by the capture path and the read paths.
type pipeline struct {
	table    *tracker.Table
	counters *tracker.Counters
	events   *tracker.EventLog
	tcp      *tracker.TCPTracker
	udp      *tracker.UDPTracker
	links    *tracker.InterfaceTracker
	bus      *capture.Bus
}

func newPipeline(cfg *config.Config) *pipeline {
	p := &pipeline{
		table:    tracker.NewTable(cfg.Tracker.NumShards),
		counters: tracker.NewCounters(),
		events:   tracker.NewEventLog(cfg.Tracker.EventLogCapacity),
		bus:      capture.NewBus(cfg.Capture.BusWorkers, cfg.Capture.BusQueueSize),
	}
	p.tcp = tracker.NewTCPTracker(p.table, p.counters, p.events, cfg.Tracker.MaxActiveConnections)
	p.udp = tracker.NewUDPTracker(p.table, p.counters, p.events, cfg.Tracker.UDPLargePacketBytes,
		config.MustDuration(cfg.Tracker.UDPFlowTimeout))
	p.links = tracker.NewInterfaceTracker(p.events)

	for _, t := range []model.EventType{model.EventTCPConnect, model.EventTCPDisconnect, model.EventTCPSend, model.EventTCPReceive} {
		p.bus.Subscribe(t, p.tcp.HandleEvent)
	}
	for _, t := range []model.EventType{model.EventUDPSend, model.EventUDPReceive} {
		p.bus.Subscribe(t, p.udp.HandleEvent)
	}
	p.bus.SubscribeInterface(p.links.HandleInterfaceEvent)
	return p
}

// run wires every component and blocks until ctx is cancelled, then shuts down in
// reverse order: sources first, storage last.
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.L("monitor")
	log.Infow("Starting nw-monitor", "capture", cfg.Capture.Type, "storage", cfg.Storage.Type)

	repo, err := storage.Open(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	coord := storage.NewCoordinator(repo, &cfg.Storage)
	storageCtx, stopStorage := context.WithCancel(context.Background())
	defer stopStorage()
	coord.Run(storageCtx)

	p := newPipeline(cfg)
	inspector := process.NewInspector(config.MustDuration(cfg.Sampler.ProcessCacheTTL), cfg.Sampler.ProcessCacheSize)
	rank := ranking.NewEngine(p.counters, config.MustDuration(cfg.Ranking.TickInterval), config.MustDuration(cfg.Ranking.InactivityWindow))
	hub := transport.NewHub()
	engine := dispatch.NewEngine(p.table, rank, inspector, hub, cfg.Dispatch)

	flows := sampler.NewFlowSampler(p.table, inspector, coord, config.MustDuration(cfg.Sampler.FlowInterval))
	p.tcp.OnClose(flows.OnClose)
	p.udp.OnClose(flows.OnClose)
	ifaces := sampler.NewInterfaceSampler(sampler.SystemCounters{}, coord,
		func(e *model.InterfaceEvent) { p.bus.PublishInterface(e) },
		config.MustDuration(cfg.Sampler.InterfaceInterval))
	scheduler := aggregation.NewScheduler(coord, config.MustDuration(cfg.Aggregation.Interval),
		aggregation.RetentionFromConfig(cfg.Aggregation.Retention))

	api := &transport.API{
		Reader:      coord.Reader(),
		Connections: p.table,
		Top:         rank,
		Totals:      p.counters,
		Events:      p.events,
		Links:       p.links,
		Health: func() map[string]any {
			return map[string]any{
				"storage":     coord.Stats(),
				"bus":         p.bus.Stats(),
				"connections": p.table.Size(),
				"subscribers": engine.Subscribers(),
				"clients":     hub.Clients(),
				"flowSamples": flows.Emitted(),
			}
		},
	}
	server := transport.NewServer(cfg.API, transport.NewRouter(api, hub, engine), hub)

	p.bus.Start()
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Debugw("Component stopped", "component", name)
		}()
	}
	spawn("udp-sweeper", p.udp.Run)
	spawn("ranking", rank.Run)
	spawn("dispatch", engine.Run)
	spawn("flow-sampler", flows.Run)
	spawn("interface-sampler", ifaces.Run)
	spawn("aggregation", scheduler.Run)

	if cfg.Alerter.Enabled {
		var notifier alerter.Notifier
		if cfg.SMTP.Host != "" {
			notifier = notification.NewEmailNotifier(cfg.SMTP)
		}
		a, err := alerter.NewAlerter(&cfg.Alerter, func() alerter.Metrics {
			return alerter.Metrics{
				ActiveConnections: p.table.Size(),
				UDPAnomalies:      p.udp.Anomalies(),
				TotalBytes:        p.counters.TotalBytes(),
				CaptureDrops:      p.bus.Stats().Dropped,
			}
		}, notifier)
		if err != nil {
			return err
		}
		spawn("alerter", a.Run)
	}

	stopSource, err := startSource(ctx, cfg, p.bus, inspector, &wg)
	if err != nil {
		return err
	}

	serverErr := server.Run(ctx)

	stopSource()
	wg.Wait()
	p.bus.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.Storage.ShutdownTimeout))
	defer cancel()
	if err := coord.Close(shutdownCtx); err != nil {
		log.Errorw("Storage shutdown incomplete", "error", err)
	}
	log.Info("Shutdown complete.")
	return serverErr
}

// startSource starts the configured capture source feeding bus and returns a function
// that releases it.
func startSource(ctx context.Context, cfg *config.Config, bus *capture.Bus, inspector *process.Inspector, wg *sync.WaitGroup) (func(), error) {
	log := logging.L("monitor")
	names := func(pid uint32) string {
		id, err := inspector.Identity(pid)
		if err != nil {
			return ""
		}
		return id.Name
	}

	switch {
	case replayPath != "":
		owners := capture.NewOwnerTable()
		if err := owners.Refresh(ctx); err != nil {
			log.Warnw("Socket owner refresh failed", "error", err)
		}
		src := capture.NewPcapSource(cfg.Capture, capture.NewPacketDecoder(owners, names), bus.Publish)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.ReadFile(ctx, replayPath); err != nil {
				log.Errorw("Replay failed", "path", replayPath, "error", err)
			}
		}()
		return func() {}, nil

	case cfg.Capture.Type == "pcap":
		owners := capture.NewOwnerTable()
		if err := owners.Refresh(ctx); err != nil {
			log.Warnw("Socket owner refresh failed", "error", err)
		}
		src := capture.NewPcapSource(cfg.Capture, capture.NewPacketDecoder(owners, names), bus.Publish)
		wg.Add(2)
		go func() {
			defer wg.Done()
			owners.Run(ctx, config.MustDuration(cfg.Capture.OwnerRefresh))
		}()
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil {
				log.Errorw("Capture stopped", "error", err)
			}
		}()
		return func() {}, nil

	case cfg.Capture.Type == "nats":
		sub, err := probe.NewSubscriber(cfg.Probe, bus)
		if err != nil {
			return nil, err
		}
		if err := sub.Start(); err != nil {
			sub.Close()
			return nil, err
		}
		return sub.Close, nil

	default:
		log.Info("No capture source configured; only interface sampling is active")
		return func() {}, nil
	}
}

// aggregateOnce runs a single aggregation pass, for maintenance from the command line.
func aggregateOnce(ctx context.Context, cfg *config.Config) error {
	repo, err := storage.Open(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	coord := storage.NewCoordinator(repo, &cfg.Storage)
	coord.Run(ctx)

	scheduler := aggregation.NewScheduler(coord, config.MustDuration(cfg.Aggregation.Interval),
		aggregation.RetentionFromConfig(cfg.Aggregation.Retention))
	report, runErr := scheduler.RunOnce(ctx, time.Now())
	logging.L("monitor").Infow("Aggregation pass finished", "entities", report.Entities, "failed", report.Failed,
		"buckets", report.BucketsCreated, "cleanup", report.CleanupRan, "deleted", report.Deleted)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.Storage.ShutdownTimeout))
	defer cancel()
	if err := coord.Close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}
