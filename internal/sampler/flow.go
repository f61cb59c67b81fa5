package sampler

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AppResolver maps a pid to the application that owns it.
type AppResolver interface {
	Application(pid uint32, name string) model.Application
}

// AppSink receives application rows and per-flow samples.
type AppSink interface {
	EnsureApplication(ctx context.Context, app model.Application) (bool, error)
	AddAppSample(s model.AppTrafficSample) error
}

// RecordSource yields copies of the live connection records.
type RecordSource interface {
	Snapshot() []model.ConnectionRecord
}

type counts struct {
	sent, received uint64
}

type cachedApp struct {
	name string
	app  model.Application
}

// FlowSampler turns cumulative per-connection byte counters into per-interval deltas
// attributed to applications.
type FlowSampler struct {
	records  RecordSource
	apps     AppResolver
	sink     AppSink
	interval time.Duration

	mu       sync.Mutex
	last     map[model.ConnKey]counts
	closed   []model.ConnectionRecord
	byPID    map[uint32]cachedApp
	ensured  map[string]struct{}
	now      func() time.Time
	log      *zap.SugaredLogger
	emitted  atomic.Uint64
	rejected atomic.Uint64
}

func NewFlowSampler(records RecordSource, apps AppResolver, sink AppSink, interval time.Duration) *FlowSampler {
	return &FlowSampler{
		records:  records,
		apps:     apps,
		sink:     sink,
		interval: interval,
		last:     make(map[model.ConnKey]counts),
		byPID:    make(map[uint32]cachedApp),
		ensured:  make(map[string]struct{}),
		now:      time.Now,
		log:      logging.L("sampler.flow"),
	}
}

// OnClose keeps a removed connection so the next sample records its final delta.
// It only appends under a mutex, so it is safe on the capture path.
func (s *FlowSampler) OnClose(rec model.ConnectionRecord) {
	s.mu.Lock()
	s.closed = append(s.closed, rec)
	s.mu.Unlock()
}

func (s *FlowSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sample(ctx, s.now())
		case <-ctx.Done():
			return
		}
	}
}

// Sample emits one AppTrafficSample per connection whose counters moved since the
// previous sample. It returns the number of samples emitted.
func (s *FlowSampler) Sample(ctx context.Context, now time.Time) int {
	live := s.records.Snapshot()

	s.mu.Lock()
	closed := s.closed
	s.closed = nil
	s.mu.Unlock()

	liveByKey := make(map[model.ConnKey]model.ConnectionRecord, len(live))
	for _, rec := range live {
		liveByKey[rec.Key] = rec
	}

	emitted := 0
	// A closed flow whose tuple was reused ends against its own baseline before the new
	// flow starts from zero.
	var sameFlow []model.ConnectionRecord
	for _, rec := range closed {
		cur, ok := liveByKey[rec.Key]
		if !ok {
			continue
		}
		if cur.StartTime.Equal(rec.StartTime) {
			sameFlow = append(sameFlow, rec)
			continue
		}
		if s.emit(ctx, rec, now) {
			emitted++
		}
		delete(s.last, rec.Key)
	}

	for _, rec := range live {
		if s.emit(ctx, rec, now) {
			emitted++
		}
	}

	// Closed after the snapshot: the live copy just set the baseline, so emit the rest.
	for _, rec := range sameFlow {
		if s.emit(ctx, rec, now) {
			emitted++
		}
		delete(s.last, rec.Key)
	}
	for _, rec := range closed {
		if _, ok := liveByKey[rec.Key]; ok {
			continue
		}
		if s.emit(ctx, rec, now) {
			emitted++
		}
		delete(s.last, rec.Key)
	}

	// Forget baselines of connections that vanished without a close hook (UDP expiry).
	for key := range s.last {
		if _, ok := liveByKey[key]; !ok {
			delete(s.last, key)
		}
	}

	s.emitted.Add(uint64(emitted))
	if emitted > 0 {
		s.log.Debugw("Flow sample", "connections", len(live), "closed", len(closed), "samples", emitted)
	}
	return emitted
}

func (s *FlowSampler) emit(ctx context.Context, rec model.ConnectionRecord, now time.Time) bool {
	prev := s.last[rec.Key]
	up := delta(prev.sent, rec.BytesSent)
	down := delta(prev.received, rec.BytesReceived)
	s.last[rec.Key] = counts{sent: rec.BytesSent, received: rec.BytesReceived}
	if up == 0 && down == 0 {
		return false
	}

	app := s.application(ctx, rec.Key.PID, rec.ProcessName)
	sample := model.AppTrafficSample{
		AppID:         app.AppID,
		Timestamp:     now.UTC(),
		LocalAddr:     rec.Key.LocalAddr.String(),
		LocalPort:     rec.Key.LocalPort,
		RemoteAddr:    rec.Key.RemoteAddr.String(),
		RemotePort:    rec.Key.RemotePort,
		Protocol:      rec.Key.Protocol,
		UploadBytes:   up,
		DownloadBytes: down,
	}
	if err := s.sink.AddAppSample(sample); err != nil {
		s.rejected.Add(1)
		s.log.Warnw("App sample dropped", "app", app.Name, "error", err)
		return false
	}
	return true
}

// application resolves and caches the application of pid. A changed process name
// means the pid was reused, so the cache entry is refreshed.
func (s *FlowSampler) application(ctx context.Context, pid uint32, name string) model.Application {
	if c, ok := s.byPID[pid]; ok && c.name == name {
		return c.app
	}
	app := s.apps.Application(pid, name)
	s.byPID[pid] = cachedApp{name: name, app: app}

	if _, ok := s.ensured[app.AppID]; !ok {
		created, err := s.sink.EnsureApplication(ctx, app)
		if err != nil {
			// Retried on the next pid lookup.
			delete(s.byPID, pid)
			s.log.Warnw("Ensure application failed", "app", app.Name, "path", app.Path, "error", err)
			return app
		}
		s.ensured[app.AppID] = struct{}{}
		if created {
			s.log.Infow("New application", "app", app.Name, "path", app.Path, "app_id", app.AppID)
		}
	}
	return app
}

// Emitted returns the number of samples handed to the sink so far.
func (s *FlowSampler) Emitted() uint64 {
	return s.emitted.Load()
}

// Rejected returns the number of samples the sink refused.
func (s *FlowSampler) Rejected() uint64 {
	return s.rejected.Load()
}

// delta treats a counter that went backwards as a fresh flow.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
