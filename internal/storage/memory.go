package storage

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

func init() {
	Register("memory", func(cfg *config.StorageConfig) (Repository, error) {
		return OpenMemory(cfg.Memory.SnapshotPath)
	})
}

type bucketKey struct {
	Entity string
	Start  int64
}

// tables is the full content of a memory repository; it is what gets persisted.
type tables struct {
	Applications map[string]model.Application
	AppRaw       []model.AppTrafficSample
	AppBuckets   map[model.Resolution]map[bucketKey]model.AppBucket
	IfaceRaw     []model.TrafficSample
	IfaceBuckets map[model.Resolution]map[bucketKey]model.InterfaceBucket
}

func newTables() *tables {
	t := &tables{
		Applications: make(map[string]model.Application),
		AppBuckets:   make(map[model.Resolution]map[bucketKey]model.AppBucket),
		IfaceBuckets: make(map[model.Resolution]map[bucketKey]model.InterfaceBucket),
	}
	for _, r := range AppResolutions {
		t.AppBuckets[r] = make(map[bucketKey]model.AppBucket)
	}
	for _, r := range InterfaceResolutions {
		t.IfaceBuckets[r] = make(map[bucketKey]model.InterfaceBucket)
	}
	return t
}

// MemoryRepository keeps every table in process memory, optionally loading them from
// and saving them to a gob snapshot file.
type MemoryRepository struct {
	mu   sync.RWMutex
	t    *tables
	path string
	now  func() time.Time
	log  *zap.SugaredLogger
}

// OpenMemory creates a memory repository. A non-empty path is loaded when it exists
// and written back on Close.
func OpenMemory(path string) (*MemoryRepository, error) {
	r := &MemoryRepository{t: newTables(), path: path, now: time.Now, log: logging.L("storage.memory")}
	if path == "" {
		return r, nil
	}
	loaded, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		r.t = loaded
		r.log.Infof("Loaded %d applications, %d app samples and %d interface samples from %s",
			len(loaded.Applications), len(loaded.AppRaw), len(loaded.IfaceRaw), path)
	}
	return r, nil
}

func (r *MemoryRepository) Applications(ctx context.Context) ([]model.Application, error) {
	r.mu.RLock()
	out := make([]model.Application, 0, len(r.t.Applications))
	for _, app := range r.t.Applications {
		out = append(out, app)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name || (out[i].Name == out[j].Name && out[i].AppID < out[j].AppID)
	})
	return out, nil
}

func (r *MemoryRepository) Interfaces(ctx context.Context) ([]string, error) {
	return r.InterfaceEntities(ctx)
}

func (r *MemoryRepository) AppSamples(ctx context.Context, appID string, from, to time.Time) ([]model.AppTrafficSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.AppTrafficSample
	for _, s := range r.t.AppRaw {
		if s.AppID == appID && !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) AppRange(ctx context.Context, appID string, res model.Resolution, from, to time.Time) ([]model.AppBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.AppBuckets[res]
	if !ok {
		return nil, fmt.Errorf("%w: application %s", ErrUnsupportedResolution, res)
	}
	var out []model.AppBucket
	for key, b := range table {
		if key.Entity == appID && key.Start >= from.Unix() && key.Start < to.Unix() {
			out = append(out, b)
		}
	}
	sortAppBuckets(out)
	return out, nil
}

func (r *MemoryRepository) InterfaceSamples(ctx context.Context, interfaceID string, from, to time.Time) ([]model.TrafficSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.TrafficSample
	for _, s := range r.t.IfaceRaw {
		if s.InterfaceID == interfaceID && !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InterfaceRange(ctx context.Context, interfaceID string, res model.Resolution, from, to time.Time) ([]model.InterfaceBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.IfaceBuckets[res]
	if !ok {
		return nil, fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, res)
	}
	var out []model.InterfaceBucket
	for key, b := range table {
		if key.Entity == interfaceID && key.Start >= from.Unix() && key.Start < to.Unix() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out, nil
}

func (r *MemoryRepository) ApplicationExists(ctx context.Context, appID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.t.Applications[appID]
	return ok, nil
}

func (r *MemoryRepository) InsertApplication(ctx context.Context, app model.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.t.Applications[app.AppID]; ok {
		return fmt.Errorf("application %s already exists", app.AppID)
	}
	r.t.Applications[app.AppID] = app
	return nil
}

func (r *MemoryRepository) InsertAppSamples(ctx context.Context, samples []model.AppTrafficSample) error {
	r.mu.Lock()
	r.t.AppRaw = append(r.t.AppRaw, samples...)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) InsertTrafficSamples(ctx context.Context, samples []model.TrafficSample) error {
	r.mu.Lock()
	r.t.IfaceRaw = append(r.t.IfaceRaw, samples...)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) AppEntities(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, s := range r.t.AppRaw {
		seen[s.AppID] = struct{}{}
	}
	for _, table := range r.t.AppBuckets {
		for key := range table {
			seen[key.Entity] = struct{}{}
		}
	}
	r.mu.RUnlock()
	return sortedKeys(seen), nil
}

func (r *MemoryRepository) InterfaceEntities(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, s := range r.t.IfaceRaw {
		seen[s.InterfaceID] = struct{}{}
	}
	for _, table := range r.t.IfaceBuckets {
		for key := range table {
			seen[key.Entity] = struct{}{}
		}
	}
	r.mu.RUnlock()
	return sortedKeys(seen), nil
}

func (r *MemoryRepository) SummarizeAppRaw(ctx context.Context, appID string, from, to int64) ([]model.AppBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return summarizeAppSamples(appID, r.t.AppRaw, from, to), nil
}

func (r *MemoryRepository) SummarizeAppBuckets(ctx context.Context, appID string, src, dst model.Resolution, from, to int64) ([]model.AppBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.AppBuckets[src]
	if !ok || !hasResolution(AppResolutions, dst) {
		return nil, fmt.Errorf("%w: application %s -> %s", ErrUnsupportedResolution, src, dst)
	}
	var fine []model.AppBucket
	for key, b := range table {
		if key.Entity == appID {
			fine = append(fine, b)
		}
	}
	return mergeAppBuckets(appID, fine, dst, from, to), nil
}

func (r *MemoryRepository) SummarizeInterfaceRaw(ctx context.Context, interfaceID string, from, to int64) ([]model.InterfaceBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return summarizeTrafficSamples(interfaceID, r.t.IfaceRaw, from, to), nil
}

func (r *MemoryRepository) SummarizeInterfaceBuckets(ctx context.Context, interfaceID string, src, dst model.Resolution, from, to int64) ([]model.InterfaceBucket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.IfaceBuckets[src]
	if !ok || !hasResolution(InterfaceResolutions, dst) {
		return nil, fmt.Errorf("%w: interface %s -> %s", ErrUnsupportedResolution, src, dst)
	}
	var fine []model.InterfaceBucket
	for key, b := range table {
		if key.Entity == interfaceID {
			fine = append(fine, b)
		}
	}
	return mergeInterfaceBuckets(interfaceID, fine, dst, from, to), nil
}

func (r *MemoryRepository) AppBucketExists(ctx context.Context, appID string, res model.Resolution, start int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.AppBuckets[res]
	if !ok {
		return false, fmt.Errorf("%w: application %s", ErrUnsupportedResolution, res)
	}
	_, exists := table[bucketKey{appID, start}]
	return exists, nil
}

func (r *MemoryRepository) InterfaceBucketExists(ctx context.Context, interfaceID string, res model.Resolution, start int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.t.IfaceBuckets[res]
	if !ok {
		return false, fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, res)
	}
	_, exists := table[bucketKey{interfaceID, start}]
	return exists, nil
}

func (r *MemoryRepository) InsertAppBucket(ctx context.Context, b model.AppBucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.t.AppBuckets[b.Resolution]
	if !ok {
		return fmt.Errorf("%w: application %s", ErrUnsupportedResolution, b.Resolution)
	}
	key := bucketKey{b.AppID, b.BucketStart}
	if _, exists := table[key]; exists {
		return fmt.Errorf("%w: %s %s@%d", ErrDuplicateBucket, b.Resolution, b.AppID, b.BucketStart)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.now().UTC()
	}
	table[key] = b
	return nil
}

func (r *MemoryRepository) InsertInterfaceBucket(ctx context.Context, b model.InterfaceBucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.t.IfaceBuckets[b.Resolution]
	if !ok {
		return fmt.Errorf("%w: interface %s", ErrUnsupportedResolution, b.Resolution)
	}
	key := bucketKey{b.InterfaceID, b.BucketStart}
	if _, exists := table[key]; exists {
		return fmt.Errorf("%w: %s %s@%d", ErrDuplicateBucket, b.Resolution, b.InterfaceID, b.BucketStart)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = r.now().UTC()
	}
	table[key] = b
	return nil
}

func (r *MemoryRepository) DeleteAppRawSuperseded(ctx context.Context, before int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hourly := r.t.AppBuckets[model.ResolutionHourly]
	kept := r.t.AppRaw[:0]
	var removed int64
	for _, s := range r.t.AppRaw {
		ts := s.Timestamp.Unix()
		if ts < before {
			if _, covered := hourly[bucketKey{s.AppID, model.FloorUnix(ts, model.ResolutionHourly)}]; covered {
				removed++
				continue
			}
		}
		kept = append(kept, s)
	}
	r.t.AppRaw = kept
	return removed, nil
}

func (r *MemoryRepository) DeleteAppBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	coarser := res.Coarser()
	if res == coarser || !hasResolution(AppResolutions, res) {
		return 0, fmt.Errorf("%w: application %s has no coarser table", ErrUnsupportedResolution, res)
	}
	return deleteSuperseded(r.t.AppBuckets[res], r.t.AppBuckets[coarser], coarser, before), nil
}

func (r *MemoryRepository) DeleteInterfaceRawSuperseded(ctx context.Context, before int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hourly := r.t.IfaceBuckets[model.ResolutionHourly]
	kept := r.t.IfaceRaw[:0]
	var removed int64
	for _, s := range r.t.IfaceRaw {
		ts := s.Timestamp.Unix()
		if ts < before {
			if _, covered := hourly[bucketKey{s.InterfaceID, model.FloorUnix(ts, model.ResolutionHourly)}]; covered {
				removed++
				continue
			}
		}
		kept = append(kept, s)
	}
	r.t.IfaceRaw = kept
	return removed, nil
}

func (r *MemoryRepository) DeleteInterfaceBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	coarser := res.Coarser()
	if !hasResolution(InterfaceResolutions, res) || !hasResolution(InterfaceResolutions, coarser) || res == coarser {
		return 0, fmt.Errorf("%w: interface %s has no coarser table", ErrUnsupportedResolution, res)
	}
	return deleteSuperseded(r.t.IfaceBuckets[res], r.t.IfaceBuckets[coarser], coarser, before), nil
}

func deleteSuperseded[B any](fine, coarse map[bucketKey]B, coarser model.Resolution, before int64) int64 {
	var removed int64
	for key := range fine {
		if key.Start >= before {
			continue
		}
		if _, covered := coarse[bucketKey{key.Entity, model.FloorUnix(key.Start, coarser)}]; covered {
			delete(fine, key)
			removed++
		}
	}
	return removed
}

// Close writes the snapshot file when persistence is enabled.
func (r *MemoryRepository) Close() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := saveSnapshot(r.path, r.t); err != nil {
		return err
	}
	r.log.Infof("Saved repository snapshot to %s", r.path)
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
