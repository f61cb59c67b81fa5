package tracker

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// CloseHook receives a record after it has left the live table.
type CloseHook func(rec model.ConnectionRecord)

type hooks struct {
	mu  sync.RWMutex
	fns []CloseHook
}

func (h *hooks) add(fn CloseHook) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *hooks) fire(rec model.ConnectionRecord) {
	h.mu.RLock()
	fns := h.fns
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// TCPTracker turns TCP capture events into connection table mutations.
type TCPTracker struct {
	table     *Table
	counters  *Counters
	events    *EventLog
	maxActive int
	overLimit atomic.Bool
	closed    hooks
	log       *zap.SugaredLogger
}

// NewTCPTracker creates a TCP tracker over a shared table, counters and event log.
func NewTCPTracker(table *Table, counters *Counters, events *EventLog, maxActive int) *TCPTracker {
	return &TCPTracker{
		table:     table,
		counters:  counters,
		events:    events,
		maxActive: maxActive,
		log:       logging.L("tracker.tcp"),
	}
}

// OnClose registers a hook called with every record removed by a disconnect.
func (t *TCPTracker) OnClose(fn CloseHook) {
	t.closed.add(fn)
}

// HandleEvent applies one TCP event. The error reports a rejected event; lookup
// misses are logged and tolerated.
func (t *TCPTracker) HandleEvent(e *model.CaptureEvent) error {
	key, err := e.Key()
	if err != nil {
		return err
	}
	if key.Protocol != model.ProtocolTCP {
		return fmt.Errorf("%w: tcp tracker got %s", model.ErrUnknownProtocol, e.Type)
	}

	switch e.Type {
	case model.EventTCPConnect:
		t.connect(key, e)
	case model.EventTCPDisconnect:
		t.disconnect(key, e)
	case model.EventTCPSend, model.EventTCPReceive:
		return t.transfer(key, e)
	default:
		return fmt.Errorf("%w: %s", model.ErrUnknownEventType, e.Type)
	}
	return nil
}

func (t *TCPTracker) connect(key model.ConnKey, e *model.CaptureEvent) {
	rec := model.NewRecord(key, e, model.StateConnecting, false)
	t.table.Upsert(rec)
	t.events.Appendf("TCP established %s %s pid=%d (%s)", e.Direction, key.Endpoints(), key.PID, e.ProcessName)
	t.checkActive()
}

// checkActive warns once each time the active connection count crosses the threshold.
func (t *TCPTracker) checkActive() {
	if t.maxActive <= 0 {
		return
	}
	active := t.table.Size()
	if active > t.maxActive {
		if t.overLimit.CompareAndSwap(false, true) {
			t.log.Warnf("Active connections %d exceed threshold %d", active, t.maxActive)
			t.events.Appendf("WARN active connections %d exceed threshold %d", active, t.maxActive)
		}
		return
	}
	t.overLimit.Store(false)
}

func (t *TCPTracker) disconnect(key model.ConnKey, e *model.CaptureEvent) {
	rec, ok := t.table.RemoveByKey(key)
	if !ok {
		t.log.Warnw("Disconnect for unknown connection", "key", key.String())
		return
	}
	rec.State = model.StateDisconnected
	rec.EndTime = e.Timestamp
	t.events.Appendf("TCP closed %s pid=%d sent=%d received=%d", key.Endpoints(), key.PID, rec.BytesSent, rec.BytesReceived)
	t.closed.fire(rec)
	t.checkActive()
}

func (t *TCPTracker) transfer(key model.ConnKey, e *model.CaptureEvent) error {
	if err := e.CheckLength(); err != nil {
		return err
	}
	n := uint64(e.DataLength)
	send := e.Type == model.EventTCPSend

	rec, created := t.table.UpdateOrInsert(key,
		func() model.ConnectionRecord {
			return model.NewRecord(key, e, model.StateConnecting, true)
		},
		func(rec *model.ConnectionRecord) {
			if send {
				rec.BytesSent += n
			} else {
				rec.BytesReceived += n
			}
			rec.State = model.StateConnected
			if e.Timestamp.After(rec.LastSeenTime) {
				rec.LastSeenTime = e.Timestamp
			}
		})
	if created {
		t.log.Debugw("Partial connection started", "key", key.String())
	}

	t.counters.AddPort(e.DestPort, n)
	t.counters.AddSource(e.SourceIP, n)
	if send {
		t.counters.AddProcess(key.PID, e.ProcessName, n, 0, e.Timestamp)
	} else {
		t.counters.AddProcess(key.PID, e.ProcessName, 0, n, e.Timestamp)
	}

	t.log.Debugf("%s %d bytes %s pid=%d total sent=%d received=%d", e.Type, n, key.Endpoints(), key.PID, rec.BytesSent, rec.BytesReceived)
	return nil
}
