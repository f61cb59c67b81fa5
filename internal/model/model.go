package model

import (
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ConnKey identifies one live flow. A later flow reusing the same tuple, pid and protocol
// maps to the same key.
type ConnKey struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	PID        uint32
	Protocol   Protocol
}

// String renders the key as "proto local:port->remote:port pid".
func (k ConnKey) String() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(k.Protocol.String())
	b.WriteByte(' ')
	b.WriteString(netip.AddrPortFrom(k.LocalAddr, k.LocalPort).String())
	b.WriteString("->")
	b.WriteString(netip.AddrPortFrom(k.RemoteAddr, k.RemotePort).String())
	b.WriteString(" pid=")
	b.WriteString(strconv.FormatUint(uint64(k.PID), 10))
	return b.String()
}

// Endpoints renders only the local and remote endpoints.
func (k ConnKey) Endpoints() string {
	return netip.AddrPortFrom(k.LocalAddr, k.LocalPort).String() + " -> " +
		netip.AddrPortFrom(k.RemoteAddr, k.RemotePort).String()
}

// ConnState is the lifecycle state of a tracked connection.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// ConnectionRecord is the live state of one flow, owned by the connection tracker.
type ConnectionRecord struct {
	Key                 ConnKey
	ProcessName         string
	ThreadID            uint32
	Direction           Direction
	State               ConnState
	BytesSent           uint64
	BytesReceived       uint64
	StartTime           time.Time
	LastSeenTime        time.Time
	EndTime             time.Time
	IsPartialConnection bool
}

// NewRecord builds a record for the flow an event belongs to.
func NewRecord(key ConnKey, e *CaptureEvent, state ConnState, partial bool) ConnectionRecord {
	return ConnectionRecord{
		Key:                 key,
		ProcessName:         e.ProcessName,
		ThreadID:            e.ThreadID,
		Direction:           e.Direction,
		State:               state,
		StartTime:           e.Timestamp,
		LastSeenTime:        e.Timestamp,
		IsPartialConnection: partial,
	}
}
