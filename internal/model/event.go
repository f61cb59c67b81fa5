package model

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	// ErrNegativeLength marks a data event whose byte length is below zero.
	ErrNegativeLength = errors.New("negative data length")
	// ErrUnknownProtocol marks a protocol value outside TCP/UDP.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrUnknownEventType marks an event type the pipeline has no handler for.
	ErrUnknownEventType = errors.New("unknown event type")
)

// EventType identifies a capture event.
type EventType uint8

const (
	EventTCPConnect EventType = iota + 1
	EventTCPDisconnect
	EventTCPSend
	EventTCPReceive
	EventUDPSend
	EventUDPReceive
	EventInterfaceState
)

var eventTypeNames = map[EventType]string{
	EventTCPConnect:     "TcpConnect",
	EventTCPDisconnect:  "TcpDisconnect",
	EventTCPSend:        "TcpSend",
	EventTCPReceive:     "TcpReceive",
	EventUDPSend:        "UdpSend",
	EventUDPReceive:     "UdpReceive",
	EventInterfaceState: "InterfaceState",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, name)
}

// Protocol returns the transport protocol an event type belongs to.
func (t EventType) Protocol() (Protocol, error) {
	switch t {
	case EventTCPConnect, EventTCPDisconnect, EventTCPSend, EventTCPReceive:
		return ProtocolTCP, nil
	case EventUDPSend, EventUDPReceive:
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("%w: event %s carries no protocol", ErrUnknownProtocol, t)
	}
}

// Protocol is the IANA protocol number of a flow.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// Valid reports whether p is a protocol the trackers handle.
func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// Direction states which side initiated a flow.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionOutbound
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "inbound"/"outbound" (case-sensitive wire values) and "" for unknown.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "outbound", "Outbound":
		return DirectionOutbound, nil
	case "inbound", "Inbound":
		return DirectionInbound, nil
	case "", "unknown":
		return DirectionUnknown, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
	}
}

// CaptureEvent is one TCP/UDP observation from the capture source.
// Source is always the local endpoint and Dest the remote endpoint.
type CaptureEvent struct {
	Type        EventType
	Timestamp   time.Time
	ProcessID   uint32
	ThreadID    uint32
	ProcessName string
	SourceIP    netip.Addr
	SourcePort  uint16
	DestIP      netip.Addr
	DestPort    uint16
	DataLength  int64
	Direction   Direction
}

// Key builds the connection key of the flow the event belongs to.
func (e *CaptureEvent) Key() (ConnKey, error) {
	proto, err := e.Type.Protocol()
	if err != nil {
		return ConnKey{}, err
	}
	return ConnKey{
		LocalAddr:  e.SourceIP,
		LocalPort:  e.SourcePort,
		RemoteAddr: e.DestIP,
		RemotePort: e.DestPort,
		PID:        e.ProcessID,
		Protocol:   proto,
	}, nil
}

// CheckLength fails on a negative byte length.
func (e *CaptureEvent) CheckLength() error {
	if e.DataLength < 0 {
		return fmt.Errorf("%w: %d on %s pid=%d", ErrNegativeLength, e.DataLength, e.Type, e.ProcessID)
	}
	return nil
}

// InterfaceState is the link state carried by an interface event.
type InterfaceState uint8

const (
	InterfaceDown InterfaceState = iota
	InterfaceUp
)

func (s InterfaceState) String() string {
	if s == InterfaceUp {
		return "up"
	}
	return "down"
}

// InterfaceEvent reports a link state change.
type InterfaceEvent struct {
	InterfaceID   string
	InterfaceName string
	State         InterfaceState
	Timestamp     time.Time
}
