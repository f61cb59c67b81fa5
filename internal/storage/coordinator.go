package storage

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind labels a request for logging and stats.
type Kind uint8

const (
	KindWrite Kind = iota
	KindAppBatch
	KindInterfaceBatch
	KindAggregate
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindAppBatch:
		return "app-batch"
	case KindInterfaceBatch:
		return "interface-batch"
	case KindAggregate:
		return "aggregate"
	case KindCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Op is one unit of work run by the single consumer against the repository.
type Op func(ctx context.Context, repo Repository) (any, error)

type result struct {
	value any
	err   error
}

type request struct {
	kind Kind
	op   Op
	done chan result // buffered(1); nil for fire-and-forget requests
}

// Stats are the coordinator's running counters.
type Stats struct {
	Enqueued         uint64 `json:"enqueued"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	QueueDepth       int    `json:"queueDepth"`
	PendingApp       int    `json:"pendingAppSamples"`
	PendingInterface int    `json:"pendingInterfaceSamples"`
}

// Coordinator serializes every write to the repository through one consumer goroutine.
// High-frequency samples are batched and handed to the consumer in bulk.
type Coordinator struct {
	repo  Repository
	queue chan *request

	// sendMu guards the queue against being closed while a producer sends on it.
	sendMu  sync.RWMutex
	closed  atomic.Bool
	started atomic.Bool
	// discard makes the consumer drop queued requests without running them.
	discard atomic.Bool

	batchMu            sync.Mutex
	appBatch           []model.AppTrafficSample
	ifaceBatch         []model.TrafficSample
	appBatchSize       int
	interfaceBatchSize int
	flushInterval      time.Duration

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	stopFlush    chan struct{}
	consumerDone chan struct{}
	flushWg      sync.WaitGroup
	log          *zap.SugaredLogger
}

// NewCoordinator creates a coordinator over repo. Call Run to start it.
func NewCoordinator(repo Repository, cfg *config.StorageConfig) *Coordinator {
	return &Coordinator{
		repo:               repo,
		queue:              make(chan *request, cfg.QueueSize),
		appBatchSize:       cfg.AppBatchSize,
		interfaceBatchSize: cfg.InterfaceBatchSize,
		flushInterval:      config.MustDuration(cfg.FlushInterval),
		stopFlush:          make(chan struct{}),
		consumerDone:       make(chan struct{}),
		log:                logging.L("storage"),
	}
}

// Reader returns the read-only query surface of the repository.
func (c *Coordinator) Reader() Reader {
	return c.repo
}

// Run starts the consumer and the forced-flush loop. It returns immediately.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.consume()

	c.flushWg.Add(1)
	go c.runFlusher(ctx)
	c.log.Infof("Storage coordinator started (queue %d, batches %d/%d, flush every %s)",
		cap(c.queue), c.appBatchSize, c.interfaceBatchSize, c.flushInterval)
}

func (c *Coordinator) consume() {
	defer close(c.consumerDone)
	for req := range c.queue {
		c.process(req)
	}
}

// process runs one request. A failing or panicking request is reported to its caller
// and never stops the consumer.
func (c *Coordinator) process(req *request) {
	if c.discard.Load() {
		c.failed.Add(1)
		if req.done != nil {
			req.done <- result{err: ErrCoordinatorClosed}
		}
		return
	}

	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = result{err: fmt.Errorf("storage %s request panicked: %v", req.kind, r)}
			}
		}()
		res.value, res.err = req.op(context.Background(), c.repo)
	}()

	if res.err != nil {
		c.failed.Add(1)
		c.log.Errorw("Storage request failed", "kind", req.kind.String(), "error", res.err)
	} else {
		c.completed.Add(1)
	}
	if req.done != nil {
		req.done <- res
	}
}

func (c *Coordinator) runFlusher(ctx context.Context) {
	defer c.flushWg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				c.log.Warnf("Forced flush failed: %v", err)
			}
		case <-c.stopFlush:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue blocks until the request has a slot, ctx is done or the coordinator closes.
func (c *Coordinator) enqueue(ctx context.Context, req *request) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	select {
	case c.queue <- req:
		c.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue never blocks.
func (c *Coordinator) tryEnqueue(req *request) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	select {
	case c.queue <- req:
		c.enqueued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Coordinator) await(ctx context.Context, req *request) (any, error) {
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues op and waits for its result.
func (c *Coordinator) Submit(ctx context.Context, kind Kind, op Op) (any, error) {
	req := &request{kind: kind, op: op, done: make(chan result, 1)}
	if err := c.enqueue(ctx, req); err != nil {
		return nil, err
	}
	return c.await(ctx, req)
}

// EnsureApplication inserts app unless a row with its id exists. It reports whether a row was created.
func (c *Coordinator) EnsureApplication(ctx context.Context, app model.Application) (bool, error) {
	v, err := c.Submit(ctx, KindWrite, func(ctx context.Context, repo Repository) (any, error) {
		exists, err := repo.ApplicationExists(ctx, app.AppID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
		return true, repo.InsertApplication(ctx, app)
	})
	if err != nil {
		return false, fmt.Errorf("ensure application %s: %w", app.AppID, err)
	}
	return v.(bool), nil
}

// AddAppSample appends to the application batch and hands the batch to the consumer once
// it reaches the threshold. It never blocks on the queue.
func (c *Coordinator) AddAppSample(s model.AppTrafficSample) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	c.batchMu.Lock()
	c.appBatch = append(c.appBatch, s)
	if len(c.appBatch) < c.appBatchSize {
		c.batchMu.Unlock()
		return nil
	}
	rows := c.appBatch
	c.appBatch = nil
	c.batchMu.Unlock()

	if err := c.tryEnqueue(c.appBatchRequest(rows, nil)); err != nil {
		c.requeueApp(rows)
		c.log.Warnf("Deferred %d app samples: %v", len(rows), err)
	}
	return nil
}

// AddTrafficSample is AddAppSample for interface samples.
func (c *Coordinator) AddTrafficSample(s model.TrafficSample) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	c.batchMu.Lock()
	c.ifaceBatch = append(c.ifaceBatch, s)
	if len(c.ifaceBatch) < c.interfaceBatchSize {
		c.batchMu.Unlock()
		return nil
	}
	rows := c.ifaceBatch
	c.ifaceBatch = nil
	c.batchMu.Unlock()

	if err := c.tryEnqueue(c.interfaceBatchRequest(rows, nil)); err != nil {
		c.requeueInterface(rows)
		c.log.Warnf("Deferred %d interface samples: %v", len(rows), err)
	}
	return nil
}

func (c *Coordinator) requeueApp(rows []model.AppTrafficSample) {
	c.batchMu.Lock()
	c.appBatch = append(rows, c.appBatch...)
	c.batchMu.Unlock()
}

func (c *Coordinator) requeueInterface(rows []model.TrafficSample) {
	c.batchMu.Lock()
	c.ifaceBatch = append(rows, c.ifaceBatch...)
	c.batchMu.Unlock()
}

func (c *Coordinator) appBatchRequest(rows []model.AppTrafficSample, done chan result) *request {
	return &request{kind: KindAppBatch, done: done, op: func(ctx context.Context, repo Repository) (any, error) {
		if err := repo.InsertAppSamples(ctx, rows); err != nil {
			c.requeueApp(rows)
			return nil, fmt.Errorf("insert %d app samples: %w", len(rows), err)
		}
		return len(rows), nil
	}}
}

func (c *Coordinator) interfaceBatchRequest(rows []model.TrafficSample, done chan result) *request {
	return &request{kind: KindInterfaceBatch, done: done, op: func(ctx context.Context, repo Repository) (any, error) {
		if err := repo.InsertTrafficSamples(ctx, rows); err != nil {
			c.requeueInterface(rows)
			return nil, fmt.Errorf("insert %d interface samples: %w", len(rows), err)
		}
		return len(rows), nil
	}}
}

// Flush hands both pending batches to the consumer and waits until they are written.
// Rows of a failed write go back into the pending batches for the next flush.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.flush(ctx, c.enqueue)
}

func (c *Coordinator) flush(ctx context.Context, enqueue func(context.Context, *request) error) error {
	c.batchMu.Lock()
	apps, ifaces := c.appBatch, c.ifaceBatch
	c.appBatch, c.ifaceBatch = nil, nil
	c.batchMu.Unlock()

	var pending []*request
	if len(apps) > 0 {
		req := c.appBatchRequest(apps, make(chan result, 1))
		if err := enqueue(ctx, req); err != nil {
			c.requeueApp(apps)
			c.requeueInterface(ifaces)
			return err
		}
		pending = append(pending, req)
	}
	if len(ifaces) > 0 {
		req := c.interfaceBatchRequest(ifaces, make(chan result, 1))
		if err := enqueue(ctx, req); err != nil {
			c.requeueInterface(ifaces)
			return err
		}
		pending = append(pending, req)
	}

	var firstErr error
	for _, req := range pending {
		if _, err := c.await(ctx, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the running counters.
func (c *Coordinator) Stats() Stats {
	c.batchMu.Lock()
	pendingApp, pendingIface := len(c.appBatch), len(c.ifaceBatch)
	c.batchMu.Unlock()
	return Stats{
		Enqueued:         c.enqueued.Load(),
		Completed:        c.completed.Load(),
		Failed:           c.failed.Load(),
		QueueDepth:       len(c.queue),
		PendingApp:       pendingApp,
		PendingInterface: pendingIface,
	}
}

// Close stops accepting work, flushes the batches, drains the queue until ctx expires and
// closes the repository. Requests still queued at the deadline are discarded without
// reaching the repository; the one in progress is waited for before the repository closes.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrCoordinatorClosed
	}
	c.log.Info("Storage coordinator stopping...")

	close(c.stopFlush)
	c.flushWg.Wait()

	if c.started.Load() {
		// Producers are rejected now; the final flush bypasses the closed check.
		err := c.flush(ctx, func(ctx context.Context, req *request) error {
			select {
			case c.queue <- req:
				c.enqueued.Add(1)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			c.log.Errorf("Final flush failed: %v", err)
		}
	}

	c.sendMu.Lock()
	close(c.queue)
	c.sendMu.Unlock()

	var drainErr error
	if c.started.Load() {
		select {
		case <-c.consumerDone:
		case <-ctx.Done():
			c.discard.Store(true)
			queued := len(c.queue)
			c.log.Warnf("Shutdown deadline reached with %d requests queued; discarding them", queued)
			<-c.consumerDone
			drainErr = fmt.Errorf("discarded %d queued storage requests: %w", queued, ctx.Err())
		}
	}

	if err := c.repo.Close(); err != nil {
		return fmt.Errorf("close repository: %w", err)
	}
	c.log.Info("Storage coordinator stopped.")
	return drainErr
}
