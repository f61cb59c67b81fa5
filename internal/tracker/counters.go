package tracker

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// PortTotal is the byte total observed towards one destination port.
type PortTotal struct {
	Port  uint16 `json:"port"`
	Bytes uint64 `json:"bytes"`
}

// SourceTotal is the byte total observed from one source address.
type SourceTotal struct {
	Address string `json:"address"`
	Bytes   uint64 `json:"bytes"`
}

// ProcessTotal holds the cumulative traffic of one process. Totals only grow for as
// long as the process stays known; they are not reset when its connections close.
type ProcessTotal struct {
	PID           uint32    `json:"pid"`
	Name          string    `json:"name"`
	BytesSent     uint64    `json:"bytesSent"`
	BytesReceived uint64    `json:"bytesReceived"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Counters accumulates the traffic totals shared between the capture path and the
// ranking and reporting paths. Each registry has its own lock.
type Counters struct {
	portMu sync.RWMutex
	ports  map[uint16]uint64

	sourceMu sync.RWMutex
	sources  map[netip.Addr]uint64

	procMu    sync.RWMutex
	processes map[uint32]*ProcessTotal
}

// NewCounters creates an empty set of counters.
func NewCounters() *Counters {
	return &Counters{
		ports:     make(map[uint16]uint64),
		sources:   make(map[netip.Addr]uint64),
		processes: make(map[uint32]*ProcessTotal),
	}
}

// AddPort adds n bytes to the destination port counter.
func (c *Counters) AddPort(port uint16, n uint64) {
	c.portMu.Lock()
	c.ports[port] += n
	c.portMu.Unlock()
}

// AddSource adds n bytes to the source address counter.
func (c *Counters) AddSource(addr netip.Addr, n uint64) {
	c.sourceMu.Lock()
	c.sources[addr] += n
	c.sourceMu.Unlock()
}

// AddProcess adds sent and received bytes to a process total.
func (c *Counters) AddProcess(pid uint32, name string, sent, received uint64, at time.Time) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	p, ok := c.processes[pid]
	if !ok {
		p = &ProcessTotal{PID: pid}
		c.processes[pid] = p
	}
	if name != "" {
		p.Name = name
	}
	p.BytesSent += sent
	p.BytesReceived += received
	if at.After(p.LastActivity) {
		p.LastActivity = at
	}
}

// Processes returns a copy of every process total.
func (c *Counters) Processes() []ProcessTotal {
	c.procMu.RLock()
	defer c.procMu.RUnlock()
	out := make([]ProcessTotal, 0, len(c.processes))
	for _, p := range c.processes {
		out = append(out, *p)
	}
	return out
}

// Process returns a copy of a single process total.
func (c *Counters) Process(pid uint32) (ProcessTotal, bool) {
	c.procMu.RLock()
	defer c.procMu.RUnlock()
	if p, ok := c.processes[pid]; ok {
		return *p, true
	}
	return ProcessTotal{}, false
}

// ForgetProcess drops the totals of a process.
func (c *Counters) ForgetProcess(pid uint32) {
	c.procMu.Lock()
	delete(c.processes, pid)
	c.procMu.Unlock()
}

// TotalBytes returns the sum of all process totals.
func (c *Counters) TotalBytes() uint64 {
	c.procMu.RLock()
	defer c.procMu.RUnlock()
	var total uint64
	for _, p := range c.processes {
		total += p.BytesSent + p.BytesReceived
	}
	return total
}

// TopPorts returns the n destination ports with the most bytes.
func (c *Counters) TopPorts(n int) []PortTotal {
	c.portMu.RLock()
	out := make([]PortTotal, 0, len(c.ports))
	for port, bytes := range c.ports {
		out = append(out, PortTotal{Port: port, Bytes: bytes})
	}
	c.portMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Port < out[j].Port
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TopSources returns the n source addresses with the most bytes.
func (c *Counters) TopSources(n int) []SourceTotal {
	c.sourceMu.RLock()
	out := make([]SourceTotal, 0, len(c.sources))
	for addr, bytes := range c.sources {
		out = append(out, SourceTotal{Address: addr.String(), Bytes: bytes})
	}
	c.sourceMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Address < out[j].Address
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
