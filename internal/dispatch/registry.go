package dispatch

import (
	"sort"
	"sync"
	"time"
)

// subscriber is one client's subscription at one level.
type subscriber struct {
	clientID string
	interval time.Duration
	pids     map[uint32]struct{}
	appPath  string
	lastSent time.Time
	inFlight bool
}

// job is the copy of a subscriber handed to a push goroutine.
type job struct {
	clientID string
	pids     map[uint32]struct{}
	appPath  string
}

// registry holds the subscribers of one level. Each level has its own lock so a busy
// level never stalls the others.
type registry struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscriber)}
}

// put stores sub, replacing any previous subscription of the client. A replaced
// subscription keeps its in-flight flag so two pushes never overlap.
func (r *registry) put(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.subs[sub.clientID]; ok {
		sub.inFlight = old.inFlight
	}
	r.subs[sub.clientID] = sub
}

// addPIDs merges pids into an existing process subscription, creating it when missing.
func (r *registry) addPIDs(clientID string, interval time.Duration, pids []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[clientID]
	if !ok {
		sub = &subscriber{clientID: clientID, pids: make(map[uint32]struct{})}
		r.subs[clientID] = sub
	}
	sub.interval = interval
	for _, pid := range pids {
		sub.pids[pid] = struct{}{}
	}
	// New ids are pushed right away.
	sub.lastSent = time.Time{}
}

func (r *registry) remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[clientID]
	delete(r.subs, clientID)
	return ok
}

func (r *registry) has(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[clientID]
	return ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// due marks every subscriber whose interval has elapsed as in flight and returns them.
// The first push of a subscription is unconditional; a subscriber whose previous push is
// still running is skipped.
func (r *registry) due(now time.Time) []job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []job
	for _, sub := range r.subs {
		if sub.inFlight {
			continue
		}
		if !sub.lastSent.IsZero() && now.Sub(sub.lastSent) < sub.interval {
			continue
		}
		sub.inFlight = true
		sub.lastSent = now
		j := job{clientID: sub.clientID, appPath: sub.appPath}
		if sub.pids != nil {
			j.pids = make(map[uint32]struct{}, len(sub.pids))
			for pid := range sub.pids {
				j.pids[pid] = struct{}{}
			}
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].clientID < jobs[k].clientID })
	return jobs
}

func (r *registry) done(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[clientID]; ok {
		sub.inFlight = false
	}
}
