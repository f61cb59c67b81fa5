package sampler

import (
	"Go2NetWatch/internal/model"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecords struct {
	mu   sync.Mutex
	recs map[model.ConnKey]model.ConnectionRecord
	// afterSnapshot runs once, right after the next snapshot is taken.
	afterSnapshot func()
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{recs: make(map[model.ConnKey]model.ConnectionRecord)}
}

func (f *fakeRecords) set(rec model.ConnectionRecord) {
	f.mu.Lock()
	f.recs[rec.Key] = rec
	f.mu.Unlock()
}

func (f *fakeRecords) remove(key model.ConnKey) model.ConnectionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recs[key]
	delete(f.recs, key)
	return rec
}

func (f *fakeRecords) Snapshot() []model.ConnectionRecord {
	f.mu.Lock()
	out := make([]model.ConnectionRecord, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, r)
	}
	hook := f.afterSnapshot
	f.afterSnapshot = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out
}

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) Application(pid uint32, name string) model.Application {
	f.calls++
	path := "/usr/bin/" + name
	return model.Application{AppID: model.AppID(path, "", name), Name: name, Path: path}
}

type fakeSink struct {
	mu        sync.Mutex
	apps      map[string]model.Application
	ensures   int
	ensureErr error
	samples   []model.AppTrafficSample
	traffic   []model.TrafficSample
}

func newFakeSink() *fakeSink {
	return &fakeSink{apps: make(map[string]model.Application)}
}

func (f *fakeSink) EnsureApplication(_ context.Context, app model.Application) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.ensureErr != nil {
		return false, f.ensureErr
	}
	if _, ok := f.apps[app.AppID]; ok {
		return false, nil
	}
	f.apps[app.AppID] = app
	return true, nil
}

func (f *fakeSink) AddAppSample(s model.AppTrafficSample) error {
	f.mu.Lock()
	f.samples = append(f.samples, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) AddTrafficSample(s model.TrafficSample) error {
	f.mu.Lock()
	f.traffic = append(f.traffic, s)
	f.mu.Unlock()
	return nil
}

func connKey(pid uint32, port uint16) model.ConnKey {
	return model.ConnKey{
		LocalAddr:  netip.MustParseAddr("10.0.0.2"),
		LocalPort:  port,
		RemoteAddr: netip.MustParseAddr("93.184.216.34"),
		RemotePort: 443,
		PID:        pid,
		Protocol:   model.ProtocolTCP,
	}
}

func record(key model.ConnKey, name string, sent, recv uint64) model.ConnectionRecord {
	return model.ConnectionRecord{Key: key, ProcessName: name, State: model.StateConnected, BytesSent: sent, BytesReceived: recv}
}

func TestFlowSamplerEmitsDeltas(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	resolver := &fakeResolver{}
	s := NewFlowSampler(recs, resolver, sink, time.Second)
	ctx := context.Background()
	key := connKey(42, 51000)

	recs.set(record(key, "curl", 100, 1000))
	assert.Equal(t, 1, s.Sample(ctx, t0))

	recs.set(record(key, "curl", 250, 1000))
	assert.Equal(t, 1, s.Sample(ctx, t0.Add(5*time.Second)))

	// Nothing moved.
	assert.Equal(t, 0, s.Sample(ctx, t0.Add(10*time.Second)))

	require.Len(t, sink.samples, 2)
	assert.Equal(t, uint64(100), sink.samples[0].UploadBytes)
	assert.Equal(t, uint64(1000), sink.samples[0].DownloadBytes)
	assert.Equal(t, uint64(150), sink.samples[1].UploadBytes)
	assert.Zero(t, sink.samples[1].DownloadBytes)
	assert.Equal(t, "93.184.216.34", sink.samples[1].RemoteAddr)
	assert.Equal(t, uint16(443), sink.samples[1].RemotePort)
	assert.Equal(t, model.AppID("/usr/bin/curl", "", "curl"), sink.samples[1].AppID)

	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, 1, sink.ensures)
	assert.Equal(t, uint64(2), s.Emitted())
}

func TestFlowSamplerRecordsFinalDeltaOnClose(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	s := NewFlowSampler(recs, &fakeResolver{}, sink, time.Second)
	ctx := context.Background()
	key := connKey(42, 51000)

	recs.set(record(key, "curl", 100, 0))
	s.Sample(ctx, t0)

	recs.set(record(key, "curl", 180, 40))
	s.OnClose(recs.remove(key))

	assert.Equal(t, 1, s.Sample(ctx, t0.Add(5*time.Second)))
	require.Len(t, sink.samples, 2)
	assert.Equal(t, uint64(80), sink.samples[1].UploadBytes)
	assert.Equal(t, uint64(40), sink.samples[1].DownloadBytes)
	assert.Empty(t, s.last)
}

func uploadTotal(samples []model.AppTrafficSample) uint64 {
	var n uint64
	for _, s := range samples {
		n += s.UploadBytes
	}
	return n
}

func TestFlowSamplerCloseDuringSnapshotKeepsFinalBytes(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	s := NewFlowSampler(recs, &fakeResolver{}, sink, time.Second)
	ctx := context.Background()
	key := connKey(42, 51000)

	rec := record(key, "curl", 100, 0)
	rec.StartTime = t0
	recs.set(rec)
	s.Sample(ctx, t0)

	rec.BytesSent = 200
	recs.set(rec)
	recs.afterSnapshot = func() {
		rec.BytesSent = 300
		recs.set(rec)
		s.OnClose(recs.remove(key))
	}

	assert.Equal(t, 2, s.Sample(ctx, t0.Add(5*time.Second)))
	assert.Equal(t, uint64(300), uploadTotal(sink.samples))
	assert.Empty(t, s.last)
}

func TestFlowSamplerReusedTupleEndsOldFlowFirst(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	s := NewFlowSampler(recs, &fakeResolver{}, sink, time.Second)
	ctx := context.Background()
	key := connKey(42, 51000)

	old := record(key, "curl", 100, 0)
	old.StartTime = t0
	recs.set(old)
	s.Sample(ctx, t0)

	old.BytesSent = 150
	recs.set(old)
	s.OnClose(recs.remove(key))
	fresh := record(key, "curl", 30, 0)
	fresh.StartTime = t0.Add(2 * time.Second)
	recs.set(fresh)

	assert.Equal(t, 2, s.Sample(ctx, t0.Add(5*time.Second)))
	require.Len(t, sink.samples, 3)
	assert.Equal(t, uint64(50), sink.samples[1].UploadBytes)
	assert.Equal(t, uint64(30), sink.samples[2].UploadBytes)
	assert.Equal(t, counts{sent: 30}, s.last[key])
}

func TestFlowSamplerPIDReuseResolvesAgain(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	resolver := &fakeResolver{}
	s := NewFlowSampler(recs, resolver, sink, time.Second)
	ctx := context.Background()

	recs.set(record(connKey(42, 51000), "curl", 10, 0))
	s.Sample(ctx, t0)
	recs.set(record(connKey(42, 51001), "wget", 10, 0))
	s.Sample(ctx, t0.Add(5*time.Second))

	assert.Equal(t, 2, resolver.calls)
	assert.Len(t, sink.apps, 2)
}

func TestFlowSamplerRetriesFailedEnsure(t *testing.T) {
	recs := newFakeRecords()
	sink := newFakeSink()
	sink.ensureErr = errors.New("store down")
	s := NewFlowSampler(recs, &fakeResolver{}, sink, time.Second)
	ctx := context.Background()
	key := connKey(42, 51000)

	recs.set(record(key, "curl", 10, 0))
	assert.Equal(t, 1, s.Sample(ctx, t0), "the sample is kept even when the application row is not yet stored")

	sink.ensureErr = nil
	recs.set(record(key, "curl", 20, 0))
	s.Sample(ctx, t0.Add(5*time.Second))

	assert.Equal(t, 2, sink.ensures)
	assert.Len(t, sink.apps, 1)
}

type fakeCounters struct {
	readings [][]NICCounters
	err      error
}

func (f *fakeCounters) Counters(context.Context) ([]NICCounters, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.readings[0]
	if len(f.readings) > 1 {
		f.readings = f.readings[1:]
	}
	return r, nil
}

func TestInterfaceSamplerDeltasAndEvents(t *testing.T) {
	src := &fakeCounters{readings: [][]NICCounters{
		{{Name: "eth0", BytesSent: 1000, BytesRecv: 5000, Up: true}, {Name: "wlan0", Up: false}},
		{{Name: "eth0", BytesSent: 1500, BytesRecv: 8500, Up: true}, {Name: "wlan0", BytesSent: 10, Up: true}},
		{{Name: "eth0", BytesSent: 1600, BytesRecv: 8600, Up: false}},
	}}
	sink := newFakeSink()
	var events []model.InterfaceEvent
	s := NewInterfaceSampler(src, sink, func(e *model.InterfaceEvent) { events = append(events, *e) }, time.Second)
	ctx := context.Background()

	n, err := s.Sample(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n, "first reading is only a baseline")

	n, err = s.Sample(ctx, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, model.TrafficSample{InterfaceID: "eth0", Timestamp: t0.Add(5 * time.Second), UploadBytes: 500, DownloadBytes: 3500}, sink.traffic[0])

	n, err = s.Sample(ctx, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "a down interface emits no traffic")

	type change struct {
		id    string
		state model.InterfaceState
	}
	var got []change
	for _, e := range events {
		got = append(got, change{e.InterfaceID, e.State})
	}
	assert.Equal(t, []change{
		{"eth0", model.InterfaceUp},
		{"wlan0", model.InterfaceDown},
		{"wlan0", model.InterfaceUp},
		{"eth0", model.InterfaceDown},
		{"wlan0", model.InterfaceDown},
	}, got)
}

func TestInterfaceSamplerCounterReset(t *testing.T) {
	src := &fakeCounters{readings: [][]NICCounters{
		{{Name: "eth0", BytesSent: 1000, BytesRecv: 1000, Up: true}},
		{{Name: "eth0", BytesSent: 30, BytesRecv: 40, Up: true}},
	}}
	sink := newFakeSink()
	s := NewInterfaceSampler(src, sink, nil, time.Second)

	_, err := s.Sample(context.Background(), t0)
	require.NoError(t, err)
	_, err = s.Sample(context.Background(), t0.Add(time.Second))
	require.NoError(t, err)

	require.Len(t, sink.traffic, 1)
	assert.Equal(t, uint64(30), sink.traffic[0].UploadBytes)
	assert.Equal(t, uint64(40), sink.traffic[0].DownloadBytes)
}

func TestInterfaceSamplerSourceError(t *testing.T) {
	s := NewInterfaceSampler(&fakeCounters{err: errors.New("no sysfs")}, newFakeSink(), nil, time.Second)
	_, err := s.Sample(context.Background(), t0)
	assert.ErrorContains(t, err, "no sysfs")
}
