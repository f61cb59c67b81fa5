package ranking

import (
	"Go2NetWatch/internal/tracker"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRatesFromCumulativeCounters(t *testing.T) {
	c := tracker.NewCounters()
	e := NewEngine(c, time.Second, 5*time.Minute)

	c.AddProcess(1, "curl", 1000, 0, t0)
	e.Tick(t0)
	r, ok := e.Rates(1)
	require.True(t, ok)
	assert.Zero(t, r.Total())

	c.AddProcess(1, "curl", 4000, 2000, t0)
	e.Tick(t0.Add(2 * time.Second))
	r, _ = e.Rates(1)
	assert.InDelta(t, 2000, r.UploadRate, 0.001)
	assert.InDelta(t, 1000, r.DownloadRate, 0.001)
}

func TestTickSpacingEnforced(t *testing.T) {
	c := tracker.NewCounters()
	e := NewEngine(c, time.Second, 5*time.Minute)

	c.AddProcess(1, "curl", 100, 0, t0)
	e.Tick(t0)
	c.AddProcess(1, "curl", 100, 0, t0)
	e.Tick(t0.Add(500 * time.Millisecond))

	r, _ := e.Rates(1)
	assert.Zero(t, r.UploadRate)

	e.Tick(t0.Add(time.Second))
	r, _ = e.Rates(1)
	assert.InDelta(t, 100, r.UploadRate, 0.001)
}

func TestCounterResetYieldsZero(t *testing.T) {
	c := tracker.NewCounters()
	e := NewEngine(c, time.Second, 5*time.Minute)

	c.AddProcess(1, "curl", 5000, 5000, t0)
	e.Tick(t0)
	c.ForgetProcess(1)
	c.AddProcess(1, "curl", 10, 10, t0)
	e.Tick(t0.Add(time.Second))

	r, _ := e.Rates(1)
	assert.Zero(t, r.UploadRate)
	assert.Zero(t, r.DownloadRate)

	c.AddProcess(1, "curl", 90, 0, t0)
	e.Tick(t0.Add(2 * time.Second))
	r, _ = e.Rates(1)
	assert.InDelta(t, 90, r.UploadRate, 0.001)
}

func TestInactiveProcessesEvicted(t *testing.T) {
	c := tracker.NewCounters()
	e := NewEngine(c, time.Second, time.Minute)

	c.AddProcess(1, "idle", 10, 0, t0)
	c.AddProcess(2, "busy", 10, 0, t0)
	e.Tick(t0)

	for i := 1; i <= 61; i++ {
		c.AddProcess(2, "busy", 1, 0, t0)
		e.Tick(t0.Add(time.Duration(i) * time.Second))
	}

	_, ok := e.Rates(1)
	assert.False(t, ok)
	_, ok = c.Process(1)
	assert.False(t, ok)
	_, ok = e.Rates(2)
	assert.True(t, ok)
}

func TestTopListAlwaysExactlyN(t *testing.T) {
	tests := []struct {
		name   string
		active int
		idle   int
		n      int
		want   int
	}{
		{"no processes", 0, 0, 5, 5},
		{"one active", 1, 0, 3, 3},
		{"more active than n", 8, 0, 5, 5},
		{"idle padding", 1, 2, 5, 5},
		{"clamped above", 2, 0, 9, 5},
		{"clamped below", 2, 0, -1, 0},
		{"zero", 3, 3, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tracker.NewCounters()
			e := NewEngine(c, time.Second, time.Hour)
			for i := 0; i < tt.active+tt.idle; i++ {
				c.AddProcess(uint32(i+1), "p", 0, 0, t0)
			}
			e.Tick(t0)
			for i := 0; i < tt.active; i++ {
				c.AddProcess(uint32(i+1), "p", uint64(100*(i+1)), 0, t0)
			}
			e.Tick(t0.Add(time.Second))

			assert.Len(t, e.TopList(tt.n), tt.want)
		})
	}
}

func TestTopListOrdering(t *testing.T) {
	c := tracker.NewCounters()
	e := NewEngine(c, time.Second, time.Hour)
	for pid, name := range map[uint32]string{1: "zsh", 2: "curl", 3: "bash", 4: "apt"} {
		c.AddProcess(pid, name, 0, 0, t0)
	}
	e.Tick(t0)
	c.AddProcess(1, "zsh", 500, 0, t0)
	c.AddProcess(2, "curl", 100, 400, t0)
	e.Tick(t0.Add(time.Second))

	top := e.TopList(5)
	require.Len(t, top, 5)
	assert.Equal(t, "curl", top[0].Name)
	assert.Equal(t, "zsh", top[1].Name)
	assert.Equal(t, "apt", top[2].Name)
	assert.Equal(t, "bash", top[3].Name)
	assert.Equal(t, PlaceholderName, top[4].Name)
	assert.Zero(t, top[4].PID)
}
