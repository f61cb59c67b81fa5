package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]string{
		"capture.owner_refresh":                 c.Capture.OwnerRefresh,
		"tracker.udp_flow_timeout":              c.Tracker.UDPFlowTimeout,
		"ranking.tick_interval":                 c.Ranking.TickInterval,
		"ranking.inactivity_window":             c.Ranking.InactivityWindow,
		"dispatch.tick_interval":                c.Dispatch.TickInterval,
		"dispatch.push_timeout":                 c.Dispatch.PushTimeout,
		"storage.flush_interval":                c.Storage.FlushInterval,
		"storage.shutdown_timeout":              c.Storage.ShutdownTimeout,
		"aggregation.interval":                  c.Aggregation.Interval,
		"aggregation.retention.app_raw":         c.Aggregation.Retention.AppRaw,
		"aggregation.retention.app_daily":       c.Aggregation.Retention.AppDaily,
		"aggregation.retention.app_weekly":      c.Aggregation.Retention.AppWeekly,
		"aggregation.retention.interface_raw":   c.Aggregation.Retention.InterfaceRaw,
		"aggregation.retention.interface_daily": c.Aggregation.Retention.InterfaceDaily,
		"sampler.flow_interval":                 c.Sampler.FlowInterval,
		"sampler.interface_interval":            c.Sampler.InterfaceInterval,
		"sampler.process_cache_ttl":             c.Sampler.ProcessCacheTTL,
		"alerter.check_interval":                c.Alerter.CheckInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", name, value, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be a positive duration, got %s", name, value))
		}
	}

	positive := map[string]int{
		"capture.bus_queue_size":         c.Capture.BusQueueSize,
		"capture.bus_workers":            c.Capture.BusWorkers,
		"tracker.event_log_capacity":     c.Tracker.EventLogCapacity,
		"tracker.max_active_connections": c.Tracker.MaxActiveConnections,
		"storage.queue_size":             c.Storage.QueueSize,
		"storage.app_batch_size":         c.Storage.AppBatchSize,
		"storage.interface_batch_size":   c.Storage.InterfaceBatchSize,
		"sampler.process_cache_size":     c.Sampler.ProcessCacheSize,
	}
	for name, value := range positive {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", name, value))
		}
	}
	if c.Tracker.UDPLargePacketBytes <= 0 {
		errs = append(errs, fmt.Errorf("tracker.udp_large_packet_bytes: must be positive, got %d", c.Tracker.UDPLargePacketBytes))
	}

	switch c.Capture.Type {
	case "pcap", "nats", "none":
	default:
		errs = append(errs, fmt.Errorf("capture.type: unknown capture source %q", c.Capture.Type))
	}
	if c.Probe.Record.Dir != "" {
		switch c.Probe.Record.Encoding {
		case "pcap", "text":
		default:
			errs = append(errs, fmt.Errorf("probe.record.encoding: unknown encoding %q", c.Probe.Record.Encoding))
		}
		if c.Probe.Record.QueueSize <= 0 {
			errs = append(errs, fmt.Errorf("probe.record.queue_size: must be positive, got %d", c.Probe.Record.QueueSize))
		}
	}
	switch c.Storage.Type {
	case "memory":
	case "clickhouse":
		if c.Storage.ClickHouse.Host == "" || c.Storage.ClickHouse.Port <= 0 {
			errs = append(errs, errors.New("storage.clickhouse: host and port are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown storage type %q", c.Storage.Type))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	for i, rule := range c.Alerter.Rules {
		switch rule.Operator {
		case ">", "<", "=", ">=", "<=":
		default:
			errs = append(errs, fmt.Errorf("alerter.rules[%d]: unknown operator %q", i, rule.Operator))
		}
		switch rule.Metric {
		case "active_connections", "udp_anomalies", "total_bytes", "capture_drops":
		default:
			errs = append(errs, fmt.Errorf("alerter.rules[%d]: unknown metric %q", i, rule.Metric))
		}
	}

	return errors.Join(errs...)
}
