package storage

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

func init() {
	Register("clickhouse", func(cfg *config.StorageConfig) (Repository, error) {
		return NewClickHouseRepository(cfg.ClickHouse)
	})
}

const (
	applicationsTable = "applications"
	appRawTable       = "app_traffic_raw"
	ifaceRawTable     = "interface_traffic_raw"
)

var appTables = map[model.Resolution]string{
	model.ResolutionHourly:  "app_traffic_hourly",
	model.ResolutionDaily:   "app_traffic_daily",
	model.ResolutionWeekly:  "app_traffic_weekly",
	model.ResolutionMonthly: "app_traffic_monthly",
}

var ifaceTables = map[model.Resolution]string{
	model.ResolutionHourly: "interface_traffic_hourly",
	model.ResolutionDaily:  "interface_traffic_daily",
	model.ResolutionWeekly: "interface_traffic_weekly",
}

const createApplicationsStatement = `
CREATE TABLE IF NOT EXISTS applications (
    app_id     String,
    name       String,
    path       String,
    publisher  String,
    first_seen DateTime
) ENGINE = ReplacingMergeTree()
ORDER BY app_id;
`

const createAppRawStatement = `
CREATE TABLE IF NOT EXISTS app_traffic_raw (
    app_id         String,
    ts             DateTime64(3, 'UTC'),
    local_addr     String,
    local_port     UInt16,
    remote_addr    String,
    remote_port    UInt16,
    protocol       UInt8,
    upload_bytes   UInt64,
    download_bytes UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(ts)
ORDER BY (app_id, ts);
`

const createIfaceRawStatement = `
CREATE TABLE IF NOT EXISTS interface_traffic_raw (
    interface_id   String,
    ts             DateTime64(3, 'UTC'),
    upload_bytes   UInt64,
    download_bytes UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(ts)
ORDER BY (interface_id, ts);
`

// Bucket tables deduplicate on (entity, bucket_start), keeping the newest row.
const createAppBucketStatement = `
CREATE TABLE IF NOT EXISTS %s (
    app_id                String,
    bucket_start          Int64,
    total_upload          UInt64,
    total_download        UInt64,
    peak_upload           UInt64,
    peak_download         UInt64,
    record_count          UInt64,
    distinct_remote_ips   UInt64,
    distinct_remote_ports UInt64,
    created_at            DateTime
) ENGINE = ReplacingMergeTree(created_at)
ORDER BY (app_id, bucket_start);
`

const createIfaceBucketStatement = `
CREATE TABLE IF NOT EXISTS %s (
    interface_id   String,
    bucket_start   Int64,
    total_upload   UInt64,
    total_download UInt64,
    avg_upload     Float64,
    avg_download   Float64,
    max_upload     UInt64,
    max_download   UInt64,
    record_count   UInt64,
    created_at     DateTime
) ENGINE = ReplacingMergeTree(created_at)
ORDER BY (interface_id, bucket_start);
`

// ClickHouseRepository stores every table in ClickHouse.
type ClickHouseRepository struct {
	conn driver.Conn
	log  *zap.SugaredLogger
}

// NewClickHouseRepository connects to ClickHouse and ensures every table exists.
func NewClickHouseRepository(cfg config.ClickHouseConfig) (*ClickHouseRepository, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	statements := []string{createApplicationsStatement, createAppRawStatement, createIfaceRawStatement}
	for _, res := range AppResolutions {
		statements = append(statements, fmt.Sprintf(createAppBucketStatement, appTables[res]))
	}
	for _, res := range InterfaceResolutions {
		statements = append(statements, fmt.Sprintf(createIfaceBucketStatement, ifaceTables[res]))
	}
	for _, stmt := range statements {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	log := logging.L("storage.clickhouse")
	log.Info("Successfully connected to ClickHouse and ensured tables exist.")
	return &ClickHouseRepository{conn: conn, log: log}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: false,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (r *ClickHouseRepository) InsertApplication(ctx context.Context, app model.Application) error {
	err := r.conn.Exec(ctx, "INSERT INTO applications (app_id, name, path, publisher, first_seen) VALUES (?, ?, ?, ?, ?)",
		app.AppID, app.Name, app.Path, app.Publisher, app.FirstSeen)
	if err != nil {
		return fmt.Errorf("failed to insert application %s: %w", app.AppID, err)
	}
	return nil
}

// InsertAppSamples writes raw application rows in one batch.
func (r *ClickHouseRepository) InsertAppSamples(ctx context.Context, samples []model.AppTrafficSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+appRawTable)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, s := range samples {
		err = batch.Append(
			s.AppID,
			s.Timestamp,
			s.LocalAddr,
			s.LocalPort,
			s.RemoteAddr,
			s.RemotePort,
			uint8(s.Protocol),
			s.UploadBytes,
			s.DownloadBytes,
		)
		if err != nil {
			return fmt.Errorf("failed to append app sample to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	r.log.Debugf("Wrote %d app samples to ClickHouse", len(samples))
	return nil
}

// InsertTrafficSamples writes raw interface rows in one batch.
func (r *ClickHouseRepository) InsertTrafficSamples(ctx context.Context, samples []model.TrafficSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+ifaceRawTable)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, s := range samples {
		if err := batch.Append(s.InterfaceID, s.Timestamp, s.UploadBytes, s.DownloadBytes); err != nil {
			return fmt.Errorf("failed to append interface sample to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	r.log.Debugf("Wrote %d interface samples to ClickHouse", len(samples))
	return nil
}

func (r *ClickHouseRepository) InsertAppBucket(ctx context.Context, b model.AppBucket) error {
	table, ok := appTables[b.Resolution]
	if !ok {
		return fmt.Errorf("%w: application %s", ErrUnsupportedResolution, b.Resolution)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := r.conn.Exec(ctx, "INSERT INTO "+table+" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.AppID, b.BucketStart, b.TotalUpload, b.TotalDownload, b.PeakUpload, b.PeakDownload,
		b.RecordCount, b.DistinctRemoteIPs, b.DistinctRemotePorts, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s bucket %s@%d: %w", b.Resolution, b.AppID, b.BucketStart, err)
	}
	return nil
}

func (r *ClickHouseRepository) InsertInterfaceBucket(ctx context.Context, b model.InterfaceBucket) error {
	table, ok := ifaceTables[b.Resolution]
	if !ok {
		return fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, b.Resolution)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := r.conn.Exec(ctx, "INSERT INTO "+table+" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.InterfaceID, b.BucketStart, b.TotalUpload, b.TotalDownload, b.AvgUpload, b.AvgDownload,
		b.MaxUpload, b.MaxDownload, b.RecordCount, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s bucket %s@%d: %w", b.Resolution, b.InterfaceID, b.BucketStart, err)
	}
	return nil
}

// Close releases the connection.
func (r *ClickHouseRepository) Close() error {
	return r.conn.Close()
}
