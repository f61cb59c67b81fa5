package storage

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/model"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testStorageConfig() *config.StorageConfig {
	return &config.StorageConfig{
		Type:               "memory",
		QueueSize:          64,
		AppBatchSize:       3,
		InterfaceBatchSize: 2,
		FlushInterval:      "1h",
		ShutdownTimeout:    "5s",
	}
}

func newRunningCoordinator(t *testing.T) (*Coordinator, *MemoryRepository) {
	t.Helper()
	repo, err := OpenMemory("")
	require.NoError(t, err)
	c := NewCoordinator(repo, testStorageConfig())
	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = c.Close(context.Background())
	})
	return c, repo
}

func appSample(appID string, at time.Time, up, down uint64) model.AppTrafficSample {
	return model.AppTrafficSample{
		AppID: appID, Timestamp: at, LocalAddr: "10.0.0.2", LocalPort: 50000,
		RemoteAddr: "1.1.1.1", RemotePort: 443, Protocol: model.ProtocolTCP,
		UploadBytes: up, DownloadBytes: down,
	}
}

func TestSubmitFailureDoesNotStopConsumer(t *testing.T) {
	c, _ := newRunningCoordinator(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.Submit(ctx, KindWrite, func(context.Context, Repository) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = c.Submit(ctx, KindWrite, func(context.Context, Repository) (any, error) { panic("bad op") })
	assert.ErrorContains(t, err, "panicked")

	v, err := c.Submit(ctx, KindWrite, func(context.Context, Repository) (any, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestRequestsRunInArrivalOrder(t *testing.T) {
	c, _ := newRunningCoordinator(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		req := &request{kind: KindWrite, done: make(chan result, 1), op: func(context.Context, Repository) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}}
		require.NoError(t, c.enqueue(ctx, req))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.await(ctx, req)
		}()
	}
	wg.Wait()
	require.Len(t, order, 20)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestBatchFlushesAtThreshold(t *testing.T) {
	c, repo := newRunningCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AddAppSample(appSample("app", t0, 10, 20)))
	}
	assert.Equal(t, 0, c.Stats().PendingApp)

	// Requests are processed in order, so once this returns the batch has been written.
	_, err := c.Submit(ctx, KindWrite, func(context.Context, Repository) (any, error) { return nil, nil })
	require.NoError(t, err)

	rows, err := repo.AppSamples(ctx, "app", t0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestFlushWritesPartialBatches(t *testing.T) {
	c, repo := newRunningCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.AddAppSample(appSample("app", t0, 1, 1)))
	require.NoError(t, c.AddTrafficSample(model.TrafficSample{InterfaceID: "eth0", Timestamp: t0, UploadBytes: 5}))
	stats := c.Stats()
	assert.Equal(t, 1, stats.PendingApp)
	assert.Equal(t, 1, stats.PendingInterface)

	require.NoError(t, c.Flush(ctx))

	apps, _ := repo.AppSamples(ctx, "app", t0, t0.Add(time.Second))
	ifaces, _ := repo.InterfaceSamples(ctx, "eth0", t0, t0.Add(time.Second))
	assert.Len(t, apps, 1)
	assert.Len(t, ifaces, 1)
	assert.Zero(t, c.Stats().PendingApp)
}

func TestEnsureApplicationIsIdempotent(t *testing.T) {
	c, repo := newRunningCoordinator(t)
	ctx := context.Background()
	app := model.Application{AppID: model.AppID("/usr/bin/curl", "", "curl"), Name: "curl", Path: "/usr/bin/curl", FirstSeen: t0}

	created, err := c.EnsureApplication(ctx, app)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.EnsureApplication(ctx, app)
	require.NoError(t, err)
	assert.False(t, created)

	apps, _ := repo.Applications(ctx)
	assert.Len(t, apps, 1)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.gob")
	repo, err := OpenMemory(path)
	require.NoError(t, err)
	c := NewCoordinator(repo, testStorageConfig())
	c.Run(context.Background())

	require.NoError(t, c.AddAppSample(appSample("app", t0, 1, 2)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	_, err = c.Submit(context.Background(), KindWrite, func(context.Context, Repository) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
	assert.ErrorIs(t, c.AddAppSample(appSample("app", t0, 1, 2)), ErrCoordinatorClosed)

	reopened, err := OpenMemory(path)
	require.NoError(t, err)
	rows, err := reopened.AppSamples(context.Background(), "app", t0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.FileExists(t, filepath.Join(dir, "summary.json"))
}

func TestSubmitHonoursContext(t *testing.T) {
	c, _ := newRunningCoordinator(t)
	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_, _ = c.Submit(context.Background(), KindWrite, func(context.Context, Repository) (any, error) {
			close(running)
			<-release
			return nil, nil
		})
	}()
	defer close(release)
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, KindWrite, func(context.Context, Repository) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// failOnceRepo fails the first application batch it is given.
type failOnceRepo struct {
	*MemoryRepository
	failed atomic.Bool
}

func (r *failOnceRepo) InsertAppSamples(ctx context.Context, samples []model.AppTrafficSample) error {
	if r.failed.CompareAndSwap(false, true) {
		return errors.New("transient store error")
	}
	return r.MemoryRepository.InsertAppSamples(ctx, samples)
}

func TestFailedBatchIsWrittenByNextFlush(t *testing.T) {
	mem, err := OpenMemory("")
	require.NoError(t, err)
	repo := &failOnceRepo{MemoryRepository: mem}
	c := NewCoordinator(repo, testStorageConfig())
	c.Run(context.Background())
	defer func() { _ = c.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, c.AddAppSample(appSample("app", t0, 7, 9)))
	assert.ErrorContains(t, c.Flush(ctx), "transient store error")
	assert.Equal(t, 1, c.Stats().PendingApp)

	require.NoError(t, c.Flush(ctx))
	rows, err := mem.AppSamples(ctx, "app", t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(7), rows[0].UploadBytes)
	assert.Zero(t, c.Stats().PendingApp)
}

// slowRepo takes a while per batch and counts writes that arrive after Close.
type slowRepo struct {
	*MemoryRepository
	writes     atomic.Int32
	afterClose atomic.Int32
	closed     atomic.Bool
}

func (r *slowRepo) InsertAppSamples(ctx context.Context, samples []model.AppTrafficSample) error {
	if r.closed.Load() {
		r.afterClose.Add(1)
	}
	time.Sleep(50 * time.Millisecond)
	r.writes.Add(1)
	return r.MemoryRepository.InsertAppSamples(ctx, samples)
}

func (r *slowRepo) Close() error {
	r.closed.Store(true)
	return r.MemoryRepository.Close()
}

func TestCloseDeadlineDiscardsQueuedRequests(t *testing.T) {
	mem, err := OpenMemory("")
	require.NoError(t, err)
	repo := &slowRepo{MemoryRepository: mem}
	cfg := testStorageConfig()
	cfg.AppBatchSize = 1
	c := NewCoordinator(repo, cfg)
	c.Run(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, c.AddAppSample(appSample("app", t0.Add(time.Duration(i)*time.Second), 1, 1)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, repo.closed.Load())
	assert.Zero(t, repo.afterClose.Load())
	assert.Less(t, repo.writes.Load(), int32(10))
	assert.Positive(t, repo.writes.Load())
	assert.Equal(t, uint64(10)-uint64(repo.writes.Load()), c.Stats().Failed)
}
