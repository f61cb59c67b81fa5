package tracker

import (
	"Go2NetWatch/internal/model"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tcpEvent(typ model.EventType, length int64, at time.Duration) *model.CaptureEvent {
	return &model.CaptureEvent{
		Type:        typ,
		Timestamp:   base.Add(at),
		ProcessID:   42,
		ThreadID:    7,
		ProcessName: "curl",
		SourceIP:    netip.MustParseAddr("10.0.0.2"),
		SourcePort:  51000,
		DestIP:      netip.MustParseAddr("93.184.216.34"),
		DestPort:    443,
		DataLength:  length,
		Direction:   model.DirectionOutbound,
	}
}

func newTCP() (*TCPTracker, *Table, *Counters, *EventLog) {
	table := NewTable(16)
	counters := NewCounters()
	events := NewEventLog(100)
	return NewTCPTracker(table, counters, events, 1000), table, counters, events
}

func TestTCPConnectSendDisconnect(t *testing.T) {
	tcp, table, counters, events := newTCP()
	var closed []model.ConnectionRecord
	tcp.OnClose(func(rec model.ConnectionRecord) { closed = append(closed, rec) })

	require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPConnect, 0, 0)))
	for i, n := range []int64{100, 200, 50} {
		require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPSend, n, time.Duration(i+1)*time.Second)))
	}

	key, err := tcpEvent(model.EventTCPSend, 0, 0).Key()
	require.NoError(t, err)
	rec, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(350), rec.BytesSent)
	assert.Equal(t, model.StateConnected, rec.State)
	assert.False(t, rec.IsPartialConnection)
	assert.Equal(t, base.Add(3*time.Second), rec.LastSeenTime)

	require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPDisconnect, 0, 4*time.Second)))
	_, ok = table.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Size())

	var closedLines []string
	for _, line := range events.Lines() {
		if strings.Contains(line, "TCP closed") {
			closedLines = append(closedLines, line)
		}
	}
	require.Len(t, closedLines, 1)
	assert.Contains(t, closedLines[0], "10.0.0.2:51000 -> 93.184.216.34:443")

	require.Len(t, closed, 1)
	assert.Equal(t, model.StateDisconnected, closed[0].State)
	assert.Equal(t, base.Add(4*time.Second), closed[0].EndTime)

	p, ok := counters.Process(42)
	require.True(t, ok)
	assert.Equal(t, uint64(350), p.BytesSent)
	assert.Equal(t, []PortTotal{{Port: 443, Bytes: 350}}, counters.TopPorts(5))
}

func TestTCPReceiveBeforeConnectIsPartial(t *testing.T) {
	tcp, table, _, _ := newTCP()

	require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPReceive, 1200, 0)))

	key, _ := tcpEvent(model.EventTCPReceive, 0, 0).Key()
	rec, ok := table.Get(key)
	require.True(t, ok)
	assert.True(t, rec.IsPartialConnection)
	assert.Equal(t, uint64(1200), rec.BytesReceived)
	assert.Equal(t, model.StateConnected, rec.State)
}

func TestTCPNegativeLengthRejected(t *testing.T) {
	tcp, table, counters, _ := newTCP()

	err := tcp.HandleEvent(tcpEvent(model.EventTCPSend, -1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNegativeLength))
	assert.Equal(t, 0, table.Size())
	assert.Empty(t, counters.Processes())
}

func TestTCPDisconnectUnknownIsTolerated(t *testing.T) {
	tcp, table, _, events := newTCP()

	require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPDisconnect, 0, 0)))
	assert.Equal(t, 0, table.Size())
	assert.Equal(t, 0, events.Len())
}

func TestTCPRejectsUDPEvent(t *testing.T) {
	tcp, _, _, _ := newTCP()
	e := tcpEvent(model.EventUDPSend, 10, 0)
	assert.ErrorIs(t, tcp.HandleEvent(e), model.ErrUnknownProtocol)
}

func TestTCPConcurrentSends(t *testing.T) {
	tcp, table, _, _ := newTCP()
	require.NoError(t, tcp.HandleEvent(tcpEvent(model.EventTCPConnect, 0, 0)))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = tcp.HandleEvent(tcpEvent(model.EventTCPSend, 2, 0))
				_ = tcp.HandleEvent(tcpEvent(model.EventTCPReceive, 3, 0))
			}
		}()
	}
	wg.Wait()

	key, _ := tcpEvent(model.EventTCPSend, 0, 0).Key()
	rec, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(8*500*2), rec.BytesSent)
	assert.Equal(t, uint64(8*500*3), rec.BytesReceived)
	assert.Equal(t, 1, table.Size())
}

func TestUDPAnomalyAndSweep(t *testing.T) {
	table := NewTable(8)
	events := NewEventLog(10)
	udp := NewUDPTracker(table, NewCounters(), events, 65536, 30*time.Second)
	now := base
	udp.now = func() time.Time { return now }

	var swept []model.ConnectionRecord
	udp.OnClose(func(rec model.ConnectionRecord) { swept = append(swept, rec) })

	e := tcpEvent(model.EventUDPSend, 70000, 0)
	e.DestPort = 53
	require.NoError(t, udp.HandleEvent(e))
	require.NoError(t, udp.HandleEvent(&model.CaptureEvent{
		Type: model.EventUDPReceive, Timestamp: base, ProcessID: 42,
		SourceIP: e.SourceIP, SourcePort: e.SourcePort, DestIP: e.DestIP, DestPort: 53, DataLength: 100,
	}))

	assert.Equal(t, uint64(1), udp.Anomalies())
	assert.Equal(t, 1, events.Len())

	key, _ := e.Key()
	rec, ok := table.Get(key)
	require.True(t, ok)
	assert.True(t, rec.IsPartialConnection)
	assert.Equal(t, model.StateConnecting, rec.State)
	assert.Equal(t, uint64(70000), rec.BytesSent)
	assert.Equal(t, uint64(100), rec.BytesReceived)

	now = base.Add(10 * time.Second)
	assert.Equal(t, 0, udp.Sweep())

	now = base.Add(31 * time.Second)
	assert.Equal(t, 1, udp.Sweep())
	assert.Equal(t, 0, table.Size())
	require.Len(t, swept, 1)
	assert.Equal(t, base, swept[0].EndTime)
}

func TestUDPSweepUsesEventClockOnReplay(t *testing.T) {
	table := NewTable(8)
	udp := NewUDPTracker(table, NewCounters(), NewEventLog(10), 65536, 30*time.Second)
	now := base.Add(365 * 24 * time.Hour)
	udp.now = func() time.Time { return now }

	e := tcpEvent(model.EventUDPSend, 100, 0)
	require.NoError(t, udp.HandleEvent(e))
	assert.Equal(t, 0, udp.Sweep(), "a replayed flow is fresh on the event clock")

	now = now.Add(10 * time.Second)
	require.NoError(t, udp.HandleEvent(tcpEvent(model.EventUDPSend, 100, 10*time.Second)))
	now = now.Add(20 * time.Second)
	assert.Equal(t, 0, udp.Sweep())

	now = now.Add(11 * time.Second)
	assert.Equal(t, 1, udp.Sweep())
	assert.Equal(t, 0, table.Size())
}

func TestUDPNegativeLength(t *testing.T) {
	udp := NewUDPTracker(NewTable(8), NewCounters(), NewEventLog(10), 65536, time.Minute)
	assert.ErrorIs(t, udp.HandleEvent(tcpEvent(model.EventUDPReceive, -5, 0)), model.ErrNegativeLength)
}

func TestTableUpdateMissingKey(t *testing.T) {
	table := NewTable(4)
	key, _ := tcpEvent(model.EventTCPSend, 0, 0).Key()
	_, ok := table.Update(key, func(rec *model.ConnectionRecord) { rec.BytesSent++ })
	assert.False(t, ok)
	assert.Equal(t, 0, table.Size())
}

func TestTableByProcessAndSnapshot(t *testing.T) {
	table := NewTable(4)
	for pid := uint32(1); pid <= 3; pid++ {
		e := tcpEvent(model.EventTCPConnect, 0, 0)
		e.ProcessID = pid
		key, _ := e.Key()
		table.Upsert(model.NewRecord(key, e, model.StateConnecting, false))
	}

	assert.Len(t, table.Snapshot(), 3)
	got := table.ByProcess(map[uint32]struct{}{2: {}, 3: {}})
	assert.Len(t, got, 2)
	for _, rec := range got {
		assert.NotEqual(t, uint32(1), rec.Key.PID)
	}
}

func TestCountersTopSources(t *testing.T) {
	c := NewCounters()
	c.AddSource(netip.MustParseAddr("10.0.0.1"), 10)
	c.AddSource(netip.MustParseAddr("10.0.0.2"), 30)
	c.AddSource(netip.MustParseAddr("10.0.0.3"), 10)

	top := c.TopSources(2)
	require.Len(t, top, 2)
	assert.Equal(t, "10.0.0.2", top[0].Address)
	assert.Equal(t, "10.0.0.1", top[1].Address)

	c.AddProcess(1, "a", 5, 6, base)
	c.AddProcess(2, "b", 1, 0, base)
	assert.Equal(t, uint64(12), c.TotalBytes())
	c.ForgetProcess(1)
	assert.Equal(t, uint64(1), c.TotalBytes())
}

func TestEventLogRing(t *testing.T) {
	l := NewEventLog(3)
	l.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		l.Appendf("line %d", i)
	}
	lines := l.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "12:00:00.000 line 2", lines[0])
	assert.Equal(t, "12:00:00.000 line 4", lines[2])
	assert.Equal(t, uint64(5), l.Total())
}

func TestInterfaceTrackerTransitions(t *testing.T) {
	events := NewEventLog(10)
	it := NewInterfaceTracker(events)

	it.HandleInterfaceEvent(&model.InterfaceEvent{InterfaceID: "eth0", InterfaceName: "eth0", State: model.InterfaceUp, Timestamp: base})
	it.HandleInterfaceEvent(&model.InterfaceEvent{InterfaceID: "eth0", State: model.InterfaceUp, Timestamp: base})
	assert.True(t, it.Up("eth0"))
	assert.Equal(t, 1, events.Len())

	it.HandleInterfaceEvent(&model.InterfaceEvent{InterfaceID: "eth0", State: model.InterfaceDown, Timestamp: base.Add(time.Second)})
	assert.False(t, it.Up("eth0"))
	list := it.Interfaces()
	require.Len(t, list, 1)
	assert.Equal(t, "eth0", list[0].Name)
	assert.False(t, it.Up("wlan0"))
}
