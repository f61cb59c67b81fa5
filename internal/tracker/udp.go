package tracker

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// UDPTracker counts datagrams. With no handshake to follow, each flow is kept as a
// short-lived partial snapshot that expires once it goes quiet.
type UDPTracker struct {
	table       *Table
	counters    *Counters
	events      *EventLog
	largePacket int64
	flowTimeout time.Duration
	anomalies   atomic.Uint64
	// skew is how far the wall clock runs ahead of the latest event timestamp; it is
	// large when an old capture is replayed.
	skew   atomic.Int64
	closed hooks
	now    func() time.Time
	log    *zap.SugaredLogger
}

// NewUDPTracker creates a UDP tracker. Datagrams above largePacket bytes are logged as anomalies.
func NewUDPTracker(table *Table, counters *Counters, events *EventLog, largePacket int64, flowTimeout time.Duration) *UDPTracker {
	return &UDPTracker{
		table:       table,
		counters:    counters,
		events:      events,
		largePacket: largePacket,
		flowTimeout: flowTimeout,
		now:         time.Now,
		log:         logging.L("tracker.udp"),
	}
}

// OnClose registers a hook called with every flow removed by Sweep.
func (u *UDPTracker) OnClose(fn CloseHook) {
	u.closed.add(fn)
}

// Anomalies returns how many oversized datagrams were seen.
func (u *UDPTracker) Anomalies() uint64 {
	return u.anomalies.Load()
}

// HandleEvent applies one UDP event.
func (u *UDPTracker) HandleEvent(e *model.CaptureEvent) error {
	key, err := e.Key()
	if err != nil {
		return err
	}
	if key.Protocol != model.ProtocolUDP {
		return fmt.Errorf("%w: udp tracker got %s", model.ErrUnknownProtocol, e.Type)
	}
	if err := e.CheckLength(); err != nil {
		return err
	}

	if !e.Timestamp.IsZero() {
		u.skew.Store(int64(u.now().Sub(e.Timestamp)))
	}

	n := uint64(e.DataLength)
	send := e.Type == model.EventUDPSend
	u.table.UpdateOrInsert(key,
		func() model.ConnectionRecord {
			return model.NewRecord(key, e, model.StateConnecting, true)
		},
		func(rec *model.ConnectionRecord) {
			if send {
				rec.BytesSent += n
			} else {
				rec.BytesReceived += n
			}
			if e.Timestamp.After(rec.LastSeenTime) {
				rec.LastSeenTime = e.Timestamp
			}
		})

	u.counters.AddPort(e.DestPort, n)
	u.counters.AddSource(e.SourceIP, n)
	if send {
		u.counters.AddProcess(key.PID, e.ProcessName, n, 0, e.Timestamp)
	} else {
		u.counters.AddProcess(key.PID, e.ProcessName, 0, n, e.Timestamp)
	}

	if e.DataLength > u.largePacket {
		u.anomalies.Add(1)
		u.events.Appendf("UDP large datagram %d bytes %s pid=%d (%s)", e.DataLength, key.Endpoints(), key.PID, e.ProcessName)
		u.log.Warnw("Large UDP datagram", "bytes", e.DataLength, "key", key.String())
	}
	return nil
}

// Sweep removes UDP flows idle for longer than the flow timeout and returns how many were removed.
// Idleness is measured on the event clock, so replayed flows age at replay speed.
func (u *UDPTracker) Sweep() int {
	eventNow := u.now().Add(-time.Duration(u.skew.Load()))
	cutoff := eventNow.Add(-u.flowTimeout)
	removed := u.table.RemoveIf(func(rec *model.ConnectionRecord) bool {
		return rec.Key.Protocol == model.ProtocolUDP && rec.LastSeenTime.Before(cutoff)
	})
	for _, rec := range removed {
		rec.EndTime = rec.LastSeenTime
		u.closed.fire(rec)
	}
	return len(removed)
}

// Run sweeps idle flows until ctx is cancelled.
func (u *UDPTracker) Run(ctx context.Context) {
	interval := u.flowTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := u.Sweep(); n > 0 {
				u.log.Debugf("Expired %d idle UDP flows", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
