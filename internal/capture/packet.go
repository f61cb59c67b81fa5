package capture

import (
	"Go2NetWatch/internal/model"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Owners resolves local sockets to pids and tells local addresses apart.
type Owners interface {
	Lookup(proto model.Protocol, addr netip.Addr, port uint16) (uint32, bool)
	IsLocal(addr netip.Addr) bool
}

// PacketDecoder turns captured packets into capture events seen from the local host:
// Source is always the local endpoint.
type PacketDecoder struct {
	owners Owners
	names  func(pid uint32) string
	now    func() time.Time
}

// NewPacketDecoder creates a decoder. names resolves a pid to a process name and may be nil.
func NewPacketDecoder(owners Owners, names func(pid uint32) string) *PacketDecoder {
	return &PacketDecoder{owners: owners, names: names, now: time.Now}
}

// flow is the local view of one packet.
type flow struct {
	local, remote         netip.Addr
	localPort, remotePort uint16
	outgoing              bool
}

// Events decodes one packet. It returns nil for packets that are neither TCP nor UDP or
// that do not touch this host. A TCP segment can yield several events, in the order
// connect, data, disconnect.
func (d *PacketDecoder) Events(packet gopacket.Packet) []*model.CaptureEvent {
	src, dst, ok := ipAddrs(packet)
	if !ok {
		return nil
	}
	ts := d.now().UTC()
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts = md.Timestamp.UTC()
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		f, ok := d.orient(src, dst, uint16(tcp.SrcPort), uint16(tcp.DstPort))
		if !ok {
			return nil
		}
		return d.tcpEvents(tcp, f, ts)
	}
	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		f, ok := d.orient(src, dst, uint16(udp.SrcPort), uint16(udp.DstPort))
		if !ok {
			return nil
		}
		t := model.EventUDPReceive
		dir := model.DirectionInbound
		if f.outgoing {
			t, dir = model.EventUDPSend, model.DirectionOutbound
		}
		e := d.event(t, model.ProtocolUDP, f, ts)
		e.DataLength = int64(len(udp.Payload))
		e.Direction = dir
		return []*model.CaptureEvent{e}
	}
	return nil
}

func (d *PacketDecoder) tcpEvents(tcp *layers.TCP, f flow, ts time.Time) []*model.CaptureEvent {
	var out []*model.CaptureEvent
	if tcp.SYN && !tcp.ACK {
		e := d.event(model.EventTCPConnect, model.ProtocolTCP, f, ts)
		e.Direction = model.DirectionInbound
		if f.outgoing {
			e.Direction = model.DirectionOutbound
		}
		out = append(out, e)
	}
	if n := len(tcp.Payload); n > 0 {
		t := model.EventTCPReceive
		if f.outgoing {
			t = model.EventTCPSend
		}
		e := d.event(t, model.ProtocolTCP, f, ts)
		e.DataLength = int64(n)
		out = append(out, e)
	}
	if tcp.FIN || tcp.RST {
		out = append(out, d.event(model.EventTCPDisconnect, model.ProtocolTCP, f, ts))
	}
	return out
}

func (d *PacketDecoder) orient(src, dst netip.Addr, srcPort, dstPort uint16) (flow, bool) {
	switch {
	case d.owners.IsLocal(src):
		return flow{local: src, remote: dst, localPort: srcPort, remotePort: dstPort, outgoing: true}, true
	case d.owners.IsLocal(dst):
		return flow{local: dst, remote: src, localPort: dstPort, remotePort: srcPort}, true
	default:
		return flow{}, false
	}
}

func (d *PacketDecoder) event(t model.EventType, proto model.Protocol, f flow, ts time.Time) *model.CaptureEvent {
	pid, _ := d.owners.Lookup(proto, f.local, f.localPort)
	e := &model.CaptureEvent{
		Type:       t,
		Timestamp:  ts,
		ProcessID:  pid,
		SourceIP:   f.local,
		SourcePort: f.localPort,
		DestIP:     f.remote,
		DestPort:   f.remotePort,
	}
	if pid != 0 && d.names != nil {
		e.ProcessName = d.names(pid)
	}
	return e
}

func ipAddrs(packet gopacket.Packet) (netip.Addr, netip.Addr, bool) {
	var srcIP, dstIP []byte
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		srcIP, dstIP = ip.SrcIP, ip.DstIP
	} else {
		return netip.Addr{}, netip.Addr{}, false
	}
	src, ok1 := netip.AddrFromSlice(srcIP)
	dst, ok2 := netip.AddrFromSlice(dstIP)
	return src.Unmap(), dst.Unmap(), ok1 && ok2
}
