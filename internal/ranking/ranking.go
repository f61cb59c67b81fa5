package ranking

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/tracker"
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxTopList is the largest leaderboard TopList serves.
	MaxTopList = 5
	// PlaceholderName fills leaderboard slots no process occupies.
	PlaceholderName = "-"

	minSampleSpacing = time.Second
)

// Rate is the current transfer speed of one process in bytes per second.
type Rate struct {
	PID          uint32  `json:"pid"`
	Name         string  `json:"name"`
	UploadRate   float64 `json:"uploadRate"`
	DownloadRate float64 `json:"downloadRate"`
}

// Total is the combined upload and download rate.
func (r Rate) Total() float64 {
	return r.UploadRate + r.DownloadRate
}

type entry struct {
	name      string
	sent      uint64
	received  uint64
	sampledAt time.Time
	changedAt time.Time
	rate      Rate
}

// Engine derives per-process rates from the cumulative tracker counters.
type Engine struct {
	counters   *tracker.Counters
	tick       time.Duration
	inactivity time.Duration

	mu      sync.RWMutex
	entries map[uint32]*entry

	now func() time.Time
	log *zap.SugaredLogger
}

// NewEngine creates a ranking engine sampling counters every tick and evicting processes
// whose counters have not moved for the inactivity window.
func NewEngine(counters *tracker.Counters, tick, inactivity time.Duration) *Engine {
	return &Engine{
		counters:   counters,
		tick:       tick,
		inactivity: inactivity,
		entries:    make(map[uint32]*entry),
		now:        time.Now,
		log:        logging.L("ranking"),
	}
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(e.now())
		case <-ctx.Done():
			return
		}
	}
}

// Tick samples every process counter once. Processes sampled less than a second ago keep
// their previous rate.
func (e *Engine) Tick(now time.Time) {
	totals := e.counters.Processes()

	e.mu.Lock()
	for _, p := range totals {
		ent, ok := e.entries[p.PID]
		if !ok {
			e.entries[p.PID] = &entry{
				name:      p.Name,
				sent:      p.BytesSent,
				received:  p.BytesReceived,
				sampledAt: now,
				changedAt: now,
				rate:      Rate{PID: p.PID, Name: p.Name},
			}
			continue
		}
		elapsed := now.Sub(ent.sampledAt)
		if elapsed < minSampleSpacing {
			continue
		}
		secs := elapsed.Seconds()
		up := rate(ent.sent, p.BytesSent, secs)
		down := rate(ent.received, p.BytesReceived, secs)
		if p.BytesSent != ent.sent || p.BytesReceived != ent.received {
			ent.changedAt = now
		}
		if p.Name != "" {
			ent.name = p.Name
		}
		ent.sent = p.BytesSent
		ent.received = p.BytesReceived
		ent.sampledAt = now
		ent.rate = Rate{PID: p.PID, Name: ent.name, UploadRate: up, DownloadRate: down}
	}

	var evicted []uint32
	for pid, ent := range e.entries {
		if now.Sub(ent.changedAt) > e.inactivity {
			delete(e.entries, pid)
			evicted = append(evicted, pid)
		}
	}
	e.mu.Unlock()

	for _, pid := range evicted {
		e.counters.ForgetProcess(pid)
	}
	if len(evicted) > 0 {
		e.log.Debugf("Evicted %d inactive processes", len(evicted))
	}
}

// rate never goes negative: a counter that moved backwards was reset and counts as idle.
func rate(last, current uint64, secs float64) float64 {
	if current <= last || secs <= 0 {
		return 0
	}
	return float64(current-last) / secs
}

// Rates returns the latest rate of pid.
func (e *Engine) Rates(pid uint32) (Rate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[pid]
	if !ok {
		return Rate{}, false
	}
	return ent.rate, true
}

// All returns the latest rate of every tracked process.
func (e *Engine) All() []Rate {
	e.mu.RLock()
	out := make([]Rate, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.rate)
	}
	e.mu.RUnlock()
	return out
}

// TopList returns exactly n entries (n clamped to [0, MaxTopList]): the fastest processes
// first, then idle processes by name, then placeholders.
func (e *Engine) TopList(n int) []Rate {
	if n < 0 {
		n = 0
	}
	if n > MaxTopList {
		n = MaxTopList
	}

	rates := e.All()
	sort.Slice(rates, func(i, j int) bool {
		ti, tj := rates[i].Total(), rates[j].Total()
		if ti != tj {
			return ti > tj
		}
		if rates[i].Name != rates[j].Name {
			return rates[i].Name < rates[j].Name
		}
		return rates[i].PID < rates[j].PID
	})

	out := make([]Rate, 0, n)
	for i := 0; i < len(rates) && len(out) < n; i++ {
		out = append(out, rates[i])
	}
	for len(out) < n {
		out = append(out, Rate{Name: PlaceholderName})
	}
	return out
}
