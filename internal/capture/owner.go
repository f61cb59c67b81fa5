package capture

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"
	"net/netip"
	"sync"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

type socketKey struct {
	proto model.Protocol
	addr  netip.Addr
	port  uint16
}

type portKey struct {
	proto model.Protocol
	port  uint16
}

// SocketLister lists the sockets of the host.
type SocketLister func(ctx context.Context) ([]psnet.ConnectionStat, error)

// OwnerTable maps local sockets to the process that owns them. It is rebuilt from the
// kernel socket table on every Refresh.
type OwnerTable struct {
	list SocketLister

	mu      sync.RWMutex
	exact   map[socketKey]uint32
	wild    map[portKey]uint32
	locals  map[netip.Addr]struct{}
	log     *zap.SugaredLogger
	updated time.Time
}

// NewOwnerTable creates a table backed by gopsutil.
func NewOwnerTable() *OwnerTable {
	return NewOwnerTableWithLister(func(ctx context.Context) ([]psnet.ConnectionStat, error) {
		return psnet.ConnectionsWithContext(ctx, "inet")
	})
}

func NewOwnerTableWithLister(list SocketLister) *OwnerTable {
	return &OwnerTable{
		list:   list,
		exact:  make(map[socketKey]uint32),
		wild:   make(map[portKey]uint32),
		locals: make(map[netip.Addr]struct{}),
		log:    logging.L("capture.owner"),
	}
}

// Refresh rebuilds the socket table and the set of local addresses.
func (o *OwnerTable) Refresh(ctx context.Context) error {
	conns, err := o.list(ctx)
	if err != nil {
		return fmt.Errorf("list sockets: %w", err)
	}
	exact := make(map[socketKey]uint32, len(conns))
	wild := make(map[portKey]uint32)
	for _, c := range conns {
		if c.Pid <= 0 {
			continue
		}
		proto, ok := socketProtocol(c.Type)
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(c.Laddr.IP)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		port := uint16(c.Laddr.Port)
		if addr.IsUnspecified() {
			wild[portKey{proto, port}] = uint32(c.Pid)
			continue
		}
		exact[socketKey{proto, addr, port}] = uint32(c.Pid)
	}

	locals, err := localAddrs(ctx)
	if err != nil {
		o.log.Warnf("Listing local addresses: %v", err)
	}

	o.mu.Lock()
	o.exact = exact
	o.wild = wild
	if locals != nil {
		o.locals = locals
	}
	o.updated = time.Now()
	o.mu.Unlock()
	return nil
}

// Run refreshes the table every interval until ctx is cancelled.
func (o *OwnerTable) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.Refresh(ctx); err != nil {
				o.log.Warnf("Owner refresh: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Lookup returns the pid owning the local socket, falling back to a wildcard listener
// on the same port.
func (o *OwnerTable) Lookup(proto model.Protocol, addr netip.Addr, port uint16) (uint32, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if pid, ok := o.exact[socketKey{proto, addr, port}]; ok {
		return pid, true
	}
	pid, ok := o.wild[portKey{proto, port}]
	return pid, ok
}

// IsLocal reports whether addr belongs to this host.
func (o *OwnerTable) IsLocal(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	o.mu.RLock()
	_, ok := o.locals[addr]
	o.mu.RUnlock()
	return ok
}

// SetLocalAddrs replaces the local address set.
func (o *OwnerTable) SetLocalAddrs(addrs ...netip.Addr) {
	m := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		m[a.Unmap()] = struct{}{}
	}
	o.mu.Lock()
	o.locals = m
	o.mu.Unlock()
}

func socketProtocol(sockType uint32) (model.Protocol, bool) {
	switch sockType {
	case syscall.SOCK_STREAM:
		return model.ProtocolTCP, true
	case syscall.SOCK_DGRAM:
		return model.ProtocolUDP, true
	default:
		return 0, false
	}
}

func localAddrs(ctx context.Context) (map[netip.Addr]struct{}, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[netip.Addr]struct{})
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			out[p.Addr().Unmap()] = struct{}{}
		}
	}
	return out, nil
}
