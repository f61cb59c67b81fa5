package tracker

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InterfaceStatus is the last known link state of one interface.
type InterfaceStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	ChangedAt time.Time `json:"changedAt"`
}

// InterfaceTracker records link state transitions reported by interface events.
type InterfaceTracker struct {
	mu     sync.RWMutex
	ifaces map[string]InterfaceStatus
	events *EventLog
	log    *zap.SugaredLogger
}

func NewInterfaceTracker(events *EventLog) *InterfaceTracker {
	return &InterfaceTracker{
		ifaces: make(map[string]InterfaceStatus),
		events: events,
		log:    logging.L("tracker.iface"),
	}
}

// HandleInterfaceEvent applies a state change. Repeated events with an unchanged state are ignored.
func (t *InterfaceTracker) HandleInterfaceEvent(e *model.InterfaceEvent) {
	up := e.State == model.InterfaceUp
	t.mu.Lock()
	prev, known := t.ifaces[e.InterfaceID]
	if known && prev.Up == up {
		t.mu.Unlock()
		return
	}
	name := e.InterfaceName
	if name == "" {
		name = prev.Name
	}
	t.ifaces[e.InterfaceID] = InterfaceStatus{ID: e.InterfaceID, Name: name, Up: up, ChangedAt: e.Timestamp}
	t.mu.Unlock()

	t.events.Appendf("Interface %s (%s) is %s", name, e.InterfaceID, e.State)
	t.log.Infow("Interface state changed", "id", e.InterfaceID, "name", name, "state", e.State.String())
}

// Up reports whether the interface is known and up.
func (t *InterfaceTracker) Up(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ifaces[id].Up
}

// Interfaces returns every known interface ordered by id.
func (t *InterfaceTracker) Interfaces() []InterfaceStatus {
	t.mu.RLock()
	out := make([]InterfaceStatus, 0, len(t.ifaces))
	for _, s := range t.ifaces {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
