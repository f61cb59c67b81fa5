package dispatch

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// level is one of the three push granularities with its own registry and loop.
type level struct {
	kind  SubscriptionType
	reg   *registry
	build func(s *snapshotter, j job) (any, error)
}

// Engine keeps per-client subscriptions and pushes snapshots to them on independent
// loops, one per level.
type Engine struct {
	snap        *snapshotter
	sender      Sender
	tick        time.Duration
	pushTimeout time.Duration

	apps    *level
	procs   *level
	details *level

	pushes sync.WaitGroup
	now    func() time.Time
	log    *zap.SugaredLogger
}

func NewEngine(conns Connections, rates Rates, procs Processes, sender Sender, cfg config.DispatchConfig) *Engine {
	e := &Engine{
		snap:        &snapshotter{conns: conns, rates: rates, procs: procs},
		sender:      sender,
		tick:        config.MustDuration(cfg.TickInterval),
		pushTimeout: config.MustDuration(cfg.PushTimeout),
		now:         time.Now,
		log:         logging.L("dispatch"),
	}
	e.apps = &level{kind: TypeApplicationInfo, reg: newRegistry(), build: func(s *snapshotter, _ job) (any, error) {
		return s.Applications(), nil
	}}
	e.procs = &level{kind: TypeProcessInfo, reg: newRegistry(), build: func(s *snapshotter, j job) (any, error) {
		return s.Processes(j.pids), nil
	}}
	e.details = &level{kind: TypeAppDetailInfo, reg: newRegistry(), build: func(s *snapshotter, j job) (any, error) {
		d, _ := s.AppDetail(j.appPath)
		return d, nil
	}}
	return e
}

func (e *Engine) levelOf(t SubscriptionType) (*level, bool) {
	switch t {
	case TypeApplicationInfo:
		return e.apps, true
	case TypeProcessInfo:
		return e.procs, true
	case TypeAppDetailInfo:
		return e.details, true
	default:
		return nil, false
	}
}

// HandleCommand applies a subscription command from clientID. A command that cannot be
// applied is answered with an error envelope and ErrInvalidCommand is returned.
func (e *Engine) HandleCommand(clientID string, cmd Command) error {
	if err := e.apply(clientID, cmd); err != nil {
		e.log.Warnw("Rejected subscription command", "client", clientID, "action", cmd.Action, "type", cmd.Type, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
		defer cancel()
		if sendErr := e.sender.Send(ctx, clientID, ErrorEnvelope(err.Error(), e.now())); sendErr != nil {
			e.log.Warnw("Failed to send error envelope", "client", clientID, "error", sendErr)
		}
		return err
	}
	e.log.Debugw("Subscription command applied", "client", clientID, "action", cmd.Action, "type", cmd.Type)
	return nil
}

func (e *Engine) apply(clientID string, cmd Command) error {
	if clientID == "" {
		return fmt.Errorf("%w: empty client id", ErrInvalidCommand)
	}
	lvl, ok := e.levelOf(cmd.Type)
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
	}

	switch cmd.Action {
	case ActionDelete:
		lvl.reg.remove(clientID)
		return nil
	case ActionAdd, ActionUpdate:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
	}

	if cmd.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidCommand, cmd.Interval)
	}
	interval := time.Duration(cmd.Interval) * time.Millisecond

	switch cmd.Type {
	case TypeApplicationInfo:
		lvl.reg.put(&subscriber{clientID: clientID, interval: interval})
	case TypeProcessInfo:
		if len(cmd.ProcessIDs) == 0 {
			return fmt.Errorf("%w: processIds is required", ErrInvalidCommand)
		}
		if cmd.Action == ActionAdd {
			lvl.reg.addPIDs(clientID, interval, cmd.ProcessIDs)
			return nil
		}
		pids := make(map[uint32]struct{}, len(cmd.ProcessIDs))
		for _, pid := range cmd.ProcessIDs {
			pids[pid] = struct{}{}
		}
		lvl.reg.put(&subscriber{clientID: clientID, interval: interval, pids: pids})
	case TypeAppDetailInfo:
		if cmd.AppPath == "" {
			return fmt.Errorf("%w: appPath is required", ErrInvalidCommand)
		}
		// One path per client: a new subscription replaces the previous one.
		lvl.reg.put(&subscriber{clientID: clientID, interval: interval, appPath: cmd.AppPath})
	}
	return nil
}

// Unsubscribe removes clientID from every level.
func (e *Engine) Unsubscribe(clientID string) {
	removed := 0
	for _, lvl := range []*level{e.apps, e.procs, e.details} {
		if lvl.reg.remove(clientID) {
			removed++
		}
	}
	if removed > 0 {
		e.log.Infow("Client unsubscribed", "client", clientID, "subscriptions", removed)
	}
}

// Subscribers returns the number of subscribers per level.
func (e *Engine) Subscribers() map[SubscriptionType]int {
	return map[SubscriptionType]int{
		TypeApplicationInfo: e.apps.reg.size(),
		TypeProcessInfo:     e.procs.reg.size(),
		TypeAppDetailInfo:   e.details.reg.size(),
	}
}

// Run starts the three push loops and waits for them and for in-flight pushes to end
// after ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lvl := range []*level{e.apps, e.procs, e.details} {
		wg.Add(1)
		go func(lvl *level) {
			defer wg.Done()
			e.loop(ctx, lvl)
		}(lvl)
	}
	wg.Wait()
	e.pushes.Wait()
}

func (e *Engine) loop(ctx context.Context, lvl *level) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tickLevel(ctx, lvl, e.now())
		case <-ctx.Done():
			return
		}
	}
}

// tickLevel starts a push for every due subscriber of lvl and returns how many started.
func (e *Engine) tickLevel(ctx context.Context, lvl *level, now time.Time) int {
	jobs := lvl.reg.due(now)
	for _, j := range jobs {
		e.pushes.Add(1)
		go e.push(ctx, lvl, j, now)
	}
	return len(jobs)
}

// push builds and sends one snapshot. Failures are logged and never reach other
// subscribers.
func (e *Engine) push(ctx context.Context, lvl *level, j job, now time.Time) {
	defer e.pushes.Done()
	defer lvl.reg.done(j.clientID)
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("Push panicked", "client", j.clientID, "type", lvl.kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	data, err := lvl.build(e.snap, j)
	if err != nil {
		e.log.Warnw("Snapshot failed", "client", j.clientID, "type", lvl.kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.pushTimeout)
	defer cancel()
	if err := e.sender.Send(ctx, j.clientID, newEnvelope(lvl.kind, data, now)); err != nil {
		e.log.Warnw("Push failed", "client", j.clientID, "type", lvl.kind, "error", err)
	}
}
