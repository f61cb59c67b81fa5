package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "console"
	Level  string `yaml:"level"`
}

// CaptureConfig selects where capture events come from.
type CaptureConfig struct {
	// Type is one of "pcap", "nats" or "none".
	Type         string `yaml:"type"`
	Interface    string `yaml:"interface"`
	SnapshotLen  int32  `yaml:"snapshot_len"`
	Promiscuous  bool   `yaml:"promiscuous"`
	OwnerRefresh string `yaml:"owner_refresh"`
	BusQueueSize int    `yaml:"bus_queue_size"`
	BusWorkers   int    `yaml:"bus_workers"`
}

// ProbeConfig holds NATS connection details shared by nw-probe and the nats capture source.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`

	// Record keeps a local copy of what the probe captures; empty Dir disables it.
	Record RecordConfig `yaml:"record"`
}

// RecordConfig controls the probe's capture recorder.
type RecordConfig struct {
	Dir       string `yaml:"dir"`
	Encoding  string `yaml:"encoding"` // "pcap" or "text"
	QueueSize int    `yaml:"queue_size"`
}

// TrackerConfig holds the protocol tracker thresholds.
type TrackerConfig struct {
	NumShards            uint32 `yaml:"num_shards"`
	EventLogCapacity     int    `yaml:"event_log_capacity"`
	MaxActiveConnections int    `yaml:"max_active_connections"`
	UDPLargePacketBytes  int64  `yaml:"udp_large_packet_bytes"`
	UDPFlowTimeout       string `yaml:"udp_flow_timeout"`
}

// RankingConfig controls the rate leaderboard.
type RankingConfig struct {
	TickInterval     string `yaml:"tick_interval"`
	InactivityWindow string `yaml:"inactivity_window"`
}

// DispatchConfig controls the push loops.
type DispatchConfig struct {
	TickInterval string `yaml:"tick_interval"`
	PushTimeout  string `yaml:"push_timeout"`
}

// ClickHouseConfig holds connection details for the ClickHouse repository.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MemoryConfig configures the in-process repository.
type MemoryConfig struct {
	// SnapshotPath is the gob file the tables are loaded from and saved to. Empty disables persistence.
	SnapshotPath string `yaml:"snapshot_path"`
}

// StorageConfig controls the write coordinator and the backing repository.
type StorageConfig struct {
	Type               string           `yaml:"type"` // "memory" or "clickhouse"
	QueueSize          int              `yaml:"queue_size"`
	AppBatchSize       int              `yaml:"app_batch_size"`
	InterfaceBatchSize int              `yaml:"interface_batch_size"`
	FlushInterval      string           `yaml:"flush_interval"`
	ShutdownTimeout    string           `yaml:"shutdown_timeout"`
	ClickHouse         ClickHouseConfig `yaml:"clickhouse"`
	Memory             MemoryConfig     `yaml:"memory"`
}

// RetentionConfig holds the per-resolution retention windows.
type RetentionConfig struct {
	AppRaw         string `yaml:"app_raw"`
	AppDaily       string `yaml:"app_daily"`
	AppWeekly      string `yaml:"app_weekly"`
	InterfaceRaw   string `yaml:"interface_raw"`
	InterfaceDaily string `yaml:"interface_daily"`
}

// AggregationConfig controls the rollup scheduler.
type AggregationConfig struct {
	Interval  string          `yaml:"interval"`
	Retention RetentionConfig `yaml:"retention"`
}

// SamplerConfig controls how often live counters are turned into stored samples.
type SamplerConfig struct {
	FlowInterval      string `yaml:"flow_interval"`
	InterfaceInterval string `yaml:"interface_interval"`
	ProcessCacheTTL   string `yaml:"process_cache_ttl"`
	ProcessCacheSize  int    `yaml:"process_cache_size"`
}

// APIConfig holds the listen addresses of the monitor's outer surfaces.
type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`
}

// AlerterRule defines a single rule for triggering an alert.
type AlerterRule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`   // "active_connections", "udp_anomalies", "total_bytes"
	Operator  string  `yaml:"operator"` // ">", "<", "=", ">=", "<="
	Threshold float64 `yaml:"threshold"`
}

// AlerterConfig holds the configuration for the alerter.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval string        `yaml:"check_interval"`
	Rules         []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the configuration for the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Capture     CaptureConfig     `yaml:"capture"`
	Probe       ProbeConfig       `yaml:"probe"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Ranking     RankingConfig     `yaml:"ranking"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Storage     StorageConfig     `yaml:"storage"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Sampler     SamplerConfig     `yaml:"sampler"`
	API         APIConfig         `yaml:"api"`
	Alerter     AlerterConfig     `yaml:"alerter"`
	SMTP        SMTPConfig        `yaml:"smtp"`
}

// Default returns a configuration with every value set to its default.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Format: "console", Level: "info"},
		Capture: CaptureConfig{
			Type:         "pcap",
			SnapshotLen:  1600,
			Promiscuous:  false,
			OwnerRefresh: "2s",
			BusQueueSize: 65536,
			BusWorkers:   4,
		},
		Probe: ProbeConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "nw.capture.events",
			Record:  RecordConfig{Encoding: "pcap", QueueSize: 10000},
		},
		Tracker: TrackerConfig{
			NumShards:            256,
			EventLogCapacity:     1000,
			MaxActiveConnections: 1000,
			UDPLargePacketBytes:  64 * 1024,
			UDPFlowTimeout:       "30s",
		},
		Ranking:  RankingConfig{TickInterval: "1s", InactivityWindow: "5m"},
		Dispatch: DispatchConfig{TickInterval: "1s", PushTimeout: "5s"},
		Storage: StorageConfig{
			Type:               "memory",
			QueueSize:          10000,
			AppBatchSize:       50,
			InterfaceBatchSize: 20,
			FlushInterval:      "30s",
			ShutdownTimeout:    "10s",
			ClickHouse:         ClickHouseConfig{Host: "127.0.0.1", Port: 9000, Database: "default", Username: "default"},
		},
		Aggregation: AggregationConfig{
			Interval: "30m",
			Retention: RetentionConfig{
				AppRaw:         "24h",
				AppDaily:       "168h",
				AppWeekly:      "720h",
				InterfaceRaw:   "72h",
				InterfaceDaily: "168h",
			},
		},
		Sampler: SamplerConfig{
			FlowInterval:      "5s",
			InterfaceInterval: "5s",
			ProcessCacheTTL:   "5m",
			ProcessCacheSize:  1000,
		},
		API:     APIConfig{HttpListenAddr: "127.0.0.1:8787", GrpcListenAddr: "127.0.0.1:8788"},
		Alerter: AlerterConfig{Enabled: false, CheckInterval: "1m"},
	}
}

// LoadConfig reads the configuration from a YAML file on top of the defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Duration parses a duration string, falling back to def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// MustDuration is Duration for values that have already passed Validate.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}
	return d
}
