package sampler

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"slices"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// NICCounters is one reading of a network interface.
type NICCounters struct {
	Name      string
	BytesSent uint64
	BytesRecv uint64
	Up        bool
}

// CounterSource reads cumulative per-interface byte counters.
type CounterSource interface {
	Counters(ctx context.Context) ([]NICCounters, error)
}

// TrafficSink receives per-interface samples.
type TrafficSink interface {
	AddTrafficSample(s model.TrafficSample) error
}

// InterfaceSampler emits per-interval traffic deltas for every interface that is up and
// reports link state changes.
type InterfaceSampler struct {
	source   CounterSource
	sink     TrafficSink
	events   func(e *model.InterfaceEvent)
	interval time.Duration

	last map[string]NICCounters
	now  func() time.Time
	log  *zap.SugaredLogger
}

// NewInterfaceSampler creates a sampler. events receives up/down transitions and may be nil.
func NewInterfaceSampler(source CounterSource, sink TrafficSink, events func(e *model.InterfaceEvent), interval time.Duration) *InterfaceSampler {
	return &InterfaceSampler{
		source:   source,
		sink:     sink,
		events:   events,
		interval: interval,
		last:     make(map[string]NICCounters),
		now:      time.Now,
		log:      logging.L("sampler.iface"),
	}
}

func (s *InterfaceSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Baseline immediately so the first tick already carries deltas.
	if _, err := s.Sample(ctx, s.now()); err != nil {
		s.log.Warnf("Interface sample: %v", err)
	}
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sample(ctx, s.now()); err != nil {
				s.log.Warnf("Interface sample: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sample reads the counters once. The first reading of an interface only sets its
// baseline. It returns the number of samples emitted.
func (s *InterfaceSampler) Sample(ctx context.Context, now time.Time) (int, error) {
	readings, err := s.source.Counters(ctx)
	if err != nil {
		return 0, fmt.Errorf("read interface counters: %w", err)
	}

	emitted := 0
	present := make(map[string]struct{}, len(readings))
	for _, cur := range readings {
		present[cur.Name] = struct{}{}
		prev, seen := s.last[cur.Name]
		s.last[cur.Name] = cur

		if !seen || prev.Up != cur.Up {
			s.publish(cur.Name, cur.Up, now)
		}
		if !seen || !cur.Up {
			continue
		}

		sample := model.TrafficSample{
			InterfaceID:   cur.Name,
			Timestamp:     now.UTC(),
			UploadBytes:   delta(prev.BytesSent, cur.BytesSent),
			DownloadBytes: delta(prev.BytesRecv, cur.BytesRecv),
		}
		if err := s.sink.AddTrafficSample(sample); err != nil {
			s.log.Warnw("Traffic sample dropped", "interface", cur.Name, "error", err)
			continue
		}
		emitted++
	}

	for name, prev := range s.last {
		if _, ok := present[name]; ok {
			continue
		}
		if prev.Up {
			s.publish(name, false, now)
		}
		delete(s.last, name)
	}
	return emitted, nil
}

func (s *InterfaceSampler) publish(name string, up bool, now time.Time) {
	if s.events == nil {
		return
	}
	state := model.InterfaceDown
	if up {
		state = model.InterfaceUp
	}
	s.events(&model.InterfaceEvent{
		InterfaceID:   name,
		InterfaceName: name,
		State:         state,
		Timestamp:     now.UTC(),
	})
}

// SystemCounters reads interface counters and flags with gopsutil.
type SystemCounters struct{}

func (SystemCounters) Counters(ctx context.Context) ([]NICCounters, error) {
	stats, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	up := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		up[iface.Name] = slices.Contains(iface.Flags, "up")
	}

	out := make([]NICCounters, 0, len(stats))
	for _, st := range stats {
		out = append(out, NICCounters{
			Name:      st.Name,
			BytesSent: st.BytesSent,
			BytesRecv: st.BytesRecv,
			Up:        up[st.Name],
		})
	}
	return out, nil
}
