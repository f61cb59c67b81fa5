package capture

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler processes one capture event. Errors are logged by the bus.
type Handler func(e *model.CaptureEvent) error

// InterfaceHandler processes one interface state event.
type InterfaceHandler func(e *model.InterfaceEvent)

type item struct {
	capture *model.CaptureEvent
	iface   *model.InterfaceEvent
}

// BusStats are the delivery counters of a Bus.
type BusStats struct {
	Published uint64 `json:"published"`
	Handled   uint64 `json:"handled"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Bus delivers capture events to the handlers subscribed to their type. Events are
// sharded over the workers by flow, so events of one flow are handled in arrival order
// while different flows proceed in parallel. Publish never blocks: when a worker queue
// is full the event is dropped and counted.
type Bus struct {
	queues   []chan item
	handlers map[model.EventType][]Handler
	ifaces   []InterfaceHandler

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	published atomic.Uint64
	handled   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	log       *zap.SugaredLogger
}

// NewBus creates a bus with the given number of workers, each with its own queue.
func NewBus(workers, queueSize int) *Bus {
	if workers < 1 {
		workers = 1
	}
	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}
	queues := make([]chan item, workers)
	for i := range queues {
		queues[i] = make(chan item, perWorker)
	}
	return &Bus{
		queues:   queues,
		handlers: make(map[model.EventType][]Handler),
		log:      logging.L("capture.bus"),
	}
}

// Subscribe registers h for events of type t. Subscriptions must happen before Start.
func (b *Bus) Subscribe(t model.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic(fmt.Sprintf("capture: subscribe to %s after start", t))
	}
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeInterface registers h for interface state events.
func (b *Bus) SubscribeInterface(h InterfaceHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("capture: subscribe to interface events after start")
	}
	b.ifaces = append(b.ifaces, h)
}

// Start launches the workers.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.wg.Add(len(b.queues))
	for i, q := range b.queues {
		go b.worker(i, q)
	}
	b.log.Infof("Capture bus started with %d workers", len(b.queues))
}

// Publish hands e to the worker owning its flow. It reports whether the event was queued.
func (b *Bus) Publish(e *model.CaptureEvent) bool {
	return b.send(shardOf(e, len(b.queues)), item{capture: e})
}

// PublishInterface queues an interface state event.
func (b *Bus) PublishInterface(e *model.InterfaceEvent) bool {
	h := fnv.New32a()
	h.Write([]byte(e.InterfaceID))
	return b.send(int(h.Sum32()%uint32(len(b.queues))), item{iface: e})
}

func (b *Bus) send(idx int, it item) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	b.published.Add(1)
	select {
	case b.queues[idx] <- it:
		return true
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.log.Warnw("Capture queue full, dropping events", "worker", idx, "dropped_total", n)
		}
		return false
	}
}

// Stop stops accepting events and waits for the workers to drain their queues.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
	s := b.Stats()
	b.log.Infow("Capture bus stopped", "published", s.Published, "handled", s.Handled, "failed", s.Failed, "dropped", s.Dropped)
}

func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Handled:   b.handled.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *Bus) worker(id int, q <-chan item) {
	defer b.wg.Done()
	for it := range q {
		if it.iface != nil {
			for _, h := range b.ifaces {
				b.runInterface(h, it.iface)
			}
			b.handled.Add(1)
			continue
		}
		hs := b.handlers[it.capture.Type]
		if len(hs) == 0 {
			b.failed.Add(1)
			b.log.Warnw("No handler for capture event", "worker", id, "type", it.capture.Type.String())
			continue
		}
		ok := true
		for _, h := range hs {
			if err := b.run(h, it.capture); err != nil {
				ok = false
				b.logFailure(id, it.capture, err)
			}
		}
		if ok {
			b.handled.Add(1)
		} else {
			b.failed.Add(1)
		}
	}
}

func (b *Bus) run(h Handler, e *model.CaptureEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h(e)
}

func (b *Bus) runInterface(h InterfaceHandler, e *model.InterfaceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.log.Errorw("Interface handler panicked", "interface", e.InterfaceID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(e)
}

func (b *Bus) logFailure(worker int, e *model.CaptureEvent, err error) {
	fields := []any{"worker", worker, "type", e.Type.String(), "pid", e.ProcessID, "error", err}
	if errors.Is(err, model.ErrNegativeLength) || errors.Is(err, model.ErrUnknownProtocol) {
		b.log.Errorw("Capture event rejected", fields...)
		return
	}
	b.log.Warnw("Capture event failed", fields...)
}

// shardOf picks the worker for e by hashing its flow identity.
func shardOf(e *model.CaptureEvent, n int) int {
	if n == 1 {
		return 0
	}
	key, err := e.Key()
	if err != nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(n))
}
