package storage

import (
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"sort"
	"time"
)

func (r *ClickHouseRepository) Applications(ctx context.Context) ([]model.Application, error) {
	rows, err := r.conn.Query(ctx, "SELECT app_id, name, path, publisher, first_seen FROM applications FINAL ORDER BY name, app_id")
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Application
	for rows.Next() {
		var app model.Application
		if err := rows.Scan(&app.AppID, &app.Name, &app.Path, &app.Publisher, &app.FirstSeen); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (r *ClickHouseRepository) Interfaces(ctx context.Context) ([]string, error) {
	return r.InterfaceEntities(ctx)
}

func (r *ClickHouseRepository) ApplicationExists(ctx context.Context, appID string) (bool, error) {
	var n uint64
	if err := r.conn.QueryRow(ctx, "SELECT count() FROM applications WHERE app_id = ?", appID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check application %s: %w", appID, err)
	}
	return n > 0, nil
}

func (r *ClickHouseRepository) AppSamples(ctx context.Context, appID string, from, to time.Time) ([]model.AppTrafficSample, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT app_id, ts, local_addr, local_port, remote_addr, remote_port, protocol, upload_bytes, download_bytes
		FROM app_traffic_raw
		WHERE app_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts`, appID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.AppTrafficSample
	for rows.Next() {
		var s model.AppTrafficSample
		var proto uint8
		if err := rows.Scan(&s.AppID, &s.Timestamp, &s.LocalAddr, &s.LocalPort, &s.RemoteAddr, &s.RemotePort, &proto, &s.UploadBytes, &s.DownloadBytes); err != nil {
			return nil, fmt.Errorf("failed to scan app sample: %w", err)
		}
		s.Protocol = model.Protocol(proto)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ClickHouseRepository) InterfaceSamples(ctx context.Context, interfaceID string, from, to time.Time) ([]model.TrafficSample, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT interface_id, ts, upload_bytes, download_bytes
		FROM interface_traffic_raw
		WHERE interface_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts`, interfaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.TrafficSample
	for rows.Next() {
		var s model.TrafficSample
		if err := rows.Scan(&s.InterfaceID, &s.Timestamp, &s.UploadBytes, &s.DownloadBytes); err != nil {
			return nil, fmt.Errorf("failed to scan interface sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ClickHouseRepository) AppRange(ctx context.Context, appID string, res model.Resolution, from, to time.Time) ([]model.AppBucket, error) {
	table, ok := appTables[res]
	if !ok {
		return nil, fmt.Errorf("%w: application %s", ErrUnsupportedResolution, res)
	}
	return r.queryAppBuckets(ctx, res, `
		SELECT app_id, bucket_start, total_upload, total_download, peak_upload, peak_download,
		       record_count, distinct_remote_ips, distinct_remote_ports, created_at
		FROM `+table+` FINAL
		WHERE app_id = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`, appID, from.Unix(), to.Unix())
}

func (r *ClickHouseRepository) InterfaceRange(ctx context.Context, interfaceID string, res model.Resolution, from, to time.Time) ([]model.InterfaceBucket, error) {
	table, ok := ifaceTables[res]
	if !ok {
		return nil, fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, res)
	}
	return r.queryInterfaceBuckets(ctx, res, `
		SELECT interface_id, bucket_start, total_upload, total_download, max_upload, max_download,
		       record_count, created_at
		FROM `+table+` FINAL
		WHERE interface_id = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`, interfaceID, from.Unix(), to.Unix())
}

func (r *ClickHouseRepository) AppEntities(ctx context.Context) ([]string, error) {
	tables := []string{appRawTable}
	for _, res := range AppResolutions {
		tables = append(tables, appTables[res])
	}
	return r.distinct(ctx, "app_id", tables)
}

func (r *ClickHouseRepository) InterfaceEntities(ctx context.Context) ([]string, error) {
	tables := []string{ifaceRawTable}
	for _, res := range InterfaceResolutions {
		tables = append(tables, ifaceTables[res])
	}
	return r.distinct(ctx, "interface_id", tables)
}

func (r *ClickHouseRepository) distinct(ctx context.Context, column string, tables []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, table := range tables {
		rows, err := r.conn.Query(ctx, fmt.Sprintf("SELECT DISTINCT %s FROM %s", column, table))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s from %s: %w", column, table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s: %w", column, err)
			}
			seen[id] = struct{}{}
		}
		rows.Close()
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// SummarizeAppRaw pushes the hourly grouping down to ClickHouse.
func (r *ClickHouseRepository) SummarizeAppRaw(ctx context.Context, appID string, from, to int64) ([]model.AppBucket, error) {
	return r.queryAppBuckets(ctx, model.ResolutionHourly, `
		SELECT app_id,
		       toInt64(intDiv(toUnixTimestamp(ts), 3600) * 3600) AS bucket,
		       sum(upload_bytes), sum(download_bytes), max(upload_bytes), max(download_bytes),
		       count(), uniqExact(remote_addr), uniqExact(remote_port), now()
		FROM app_traffic_raw
		WHERE app_id = ? AND toUnixTimestamp(ts) >= ? AND toUnixTimestamp(ts) < ?
		GROUP BY app_id, bucket
		ORDER BY bucket`, appID, from, to)
}

func (r *ClickHouseRepository) SummarizeAppBuckets(ctx context.Context, appID string, src, dst model.Resolution, from, to int64) ([]model.AppBucket, error) {
	table, ok := appTables[src]
	if _, dstOK := appTables[dst]; !ok || !dstOK {
		return nil, fmt.Errorf("%w: application %s -> %s", ErrUnsupportedResolution, src, dst)
	}
	width := dst.Width()
	return r.queryAppBuckets(ctx, dst, fmt.Sprintf(`
		SELECT app_id,
		       toInt64(bucket_start - (bucket_start %% %d)) AS bucket,
		       sum(total_upload), sum(total_download), max(peak_upload), max(peak_download),
		       sum(record_count), max(distinct_remote_ips), max(distinct_remote_ports), now()
		FROM %s FINAL
		WHERE app_id = ? AND bucket_start >= ? AND bucket_start < ?
		GROUP BY app_id, bucket
		ORDER BY bucket`, width, table), appID, from, to)
}

func (r *ClickHouseRepository) SummarizeInterfaceRaw(ctx context.Context, interfaceID string, from, to int64) ([]model.InterfaceBucket, error) {
	return r.queryInterfaceBuckets(ctx, model.ResolutionHourly, `
		SELECT interface_id,
		       toInt64(intDiv(toUnixTimestamp(ts), 3600) * 3600) AS bucket,
		       sum(upload_bytes), sum(download_bytes), max(upload_bytes), max(download_bytes),
		       count(), now()
		FROM interface_traffic_raw
		WHERE interface_id = ? AND toUnixTimestamp(ts) >= ? AND toUnixTimestamp(ts) < ?
		GROUP BY interface_id, bucket
		ORDER BY bucket`, interfaceID, from, to)
}

func (r *ClickHouseRepository) SummarizeInterfaceBuckets(ctx context.Context, interfaceID string, src, dst model.Resolution, from, to int64) ([]model.InterfaceBucket, error) {
	table, ok := ifaceTables[src]
	if _, dstOK := ifaceTables[dst]; !ok || !dstOK {
		return nil, fmt.Errorf("%w: interface %s -> %s", ErrUnsupportedResolution, src, dst)
	}
	return r.queryInterfaceBuckets(ctx, dst, fmt.Sprintf(`
		SELECT interface_id,
		       toInt64(bucket_start - (bucket_start %% %d)) AS bucket,
		       sum(total_upload), sum(total_download), max(max_upload), max(max_download),
		       sum(record_count), now()
		FROM %s FINAL
		WHERE interface_id = ? AND bucket_start >= ? AND bucket_start < ?
		GROUP BY interface_id, bucket
		ORDER BY bucket`, dst.Width(), table), interfaceID, from, to)
}

func (r *ClickHouseRepository) queryAppBuckets(ctx context.Context, res model.Resolution, query string, args ...any) ([]model.AppBucket, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.AppBucket
	for rows.Next() {
		b := model.AppBucket{Resolution: res}
		if err := rows.Scan(&b.AppID, &b.BucketStart, &b.TotalUpload, &b.TotalDownload, &b.PeakUpload, &b.PeakDownload,
			&b.RecordCount, &b.DistinctRemoteIPs, &b.DistinctRemotePorts, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// queryInterfaceBuckets expects totals, maxima and the record count; averages are derived from them.
func (r *ClickHouseRepository) queryInterfaceBuckets(ctx context.Context, res model.Resolution, query string, args ...any) ([]model.InterfaceBucket, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.InterfaceBucket
	for rows.Next() {
		b := model.InterfaceBucket{Resolution: res}
		if err := rows.Scan(&b.InterfaceID, &b.BucketStart, &b.TotalUpload, &b.TotalDownload, &b.MaxUpload, &b.MaxDownload,
			&b.RecordCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interface bucket: %w", err)
		}
		if b.RecordCount > 0 {
			b.AvgUpload = float64(b.TotalUpload) / float64(b.RecordCount)
			b.AvgDownload = float64(b.TotalDownload) / float64(b.RecordCount)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *ClickHouseRepository) AppBucketExists(ctx context.Context, appID string, res model.Resolution, start int64) (bool, error) {
	table, ok := appTables[res]
	if !ok {
		return false, fmt.Errorf("%w: application %s", ErrUnsupportedResolution, res)
	}
	return r.exists(ctx, table, "app_id", appID, start)
}

func (r *ClickHouseRepository) InterfaceBucketExists(ctx context.Context, interfaceID string, res model.Resolution, start int64) (bool, error) {
	table, ok := ifaceTables[res]
	if !ok {
		return false, fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, res)
	}
	return r.exists(ctx, table, "interface_id", interfaceID, start)
}

func (r *ClickHouseRepository) exists(ctx context.Context, table, column, id string, start int64) (bool, error) {
	var n uint64
	query := fmt.Sprintf("SELECT count() FROM %s WHERE %s = ? AND bucket_start = ?", table, column)
	if err := r.conn.QueryRow(ctx, query, id, start).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check bucket %s@%d in %s: %w", id, start, table, err)
	}
	return n > 0, nil
}

func (r *ClickHouseRepository) DeleteAppRawSuperseded(ctx context.Context, before int64) (int64, error) {
	where := `toUnixTimestamp(ts) < ? AND (app_id, toInt64(intDiv(toUnixTimestamp(ts), 3600) * 3600)) IN
		(SELECT app_id, bucket_start FROM ` + appTables[model.ResolutionHourly] + `)`
	return r.deleteWhere(ctx, appRawTable, where, before)
}

func (r *ClickHouseRepository) DeleteAppBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error) {
	fine, ok := appTables[res]
	coarse, coarseOK := appTables[res.Coarser()]
	if !ok || !coarseOK || res == res.Coarser() {
		return 0, fmt.Errorf("%w: application %s has no coarser table", ErrUnsupportedResolution, res)
	}
	where := fmt.Sprintf(`bucket_start < ? AND (app_id, toInt64(bucket_start - (bucket_start %% %d))) IN
		(SELECT app_id, bucket_start FROM %s)`, res.Coarser().Width(), coarse)
	return r.deleteWhere(ctx, fine, where, before)
}

func (r *ClickHouseRepository) DeleteInterfaceRawSuperseded(ctx context.Context, before int64) (int64, error) {
	where := `toUnixTimestamp(ts) < ? AND (interface_id, toInt64(intDiv(toUnixTimestamp(ts), 3600) * 3600)) IN
		(SELECT interface_id, bucket_start FROM ` + ifaceTables[model.ResolutionHourly] + `)`
	return r.deleteWhere(ctx, ifaceRawTable, where, before)
}

func (r *ClickHouseRepository) DeleteInterfaceBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error) {
	fine, ok := ifaceTables[res]
	coarse, coarseOK := ifaceTables[res.Coarser()]
	if !ok || !coarseOK || res == res.Coarser() {
		return 0, fmt.Errorf("%w: interface %s has no coarser table", ErrUnsupportedResolution, res)
	}
	where := fmt.Sprintf(`bucket_start < ? AND (interface_id, toInt64(bucket_start - (bucket_start %% %d))) IN
		(SELECT interface_id, bucket_start FROM %s)`, res.Coarser().Width(), coarse)
	return r.deleteWhere(ctx, fine, where, before)
}

// deleteWhere counts the matching rows, then runs a synchronous mutation removing them.
func (r *ClickHouseRepository) deleteWhere(ctx context.Context, table, where string, args ...any) (int64, error) {
	var n uint64
	if err := r.conn.QueryRow(ctx, "SELECT count() FROM "+table+" WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows to delete from %s: %w", table, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.conn.Exec(ctx, "ALTER TABLE "+table+" DELETE WHERE "+where+" SETTINGS mutations_sync = 1", args...); err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return int64(n), nil
}
