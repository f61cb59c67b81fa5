package capture

import (
	"Go2NetWatch/internal/model"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMalformedEvent marks a payload that cannot be turned into an event.
var ErrMalformedEvent = errors.New("malformed capture event")

// Wire field names. Unknown fields are ignored so producers can add to the schema.
const (
	fieldType          = "type"
	fieldTimestamp     = "timestamp"
	fieldProcessID     = "processId"
	fieldThreadID      = "threadId"
	fieldProcessName   = "processName"
	fieldSourceIP      = "sourceIp"
	fieldSourcePort    = "sourcePort"
	fieldDestIP        = "destIp"
	fieldDestPort      = "destPort"
	fieldDataLength    = "dataLength"
	fieldDirection     = "direction"
	fieldInterfaceID   = "interfaceId"
	fieldInterfaceName = "interfaceName"
	fieldState         = "state"
)

// Event is one decoded payload: exactly one of Capture and Interface is set.
type Event struct {
	Capture   *model.CaptureEvent
	Interface *model.InterfaceEvent
}

// EncodeCapture converts a capture event to its structpb form.
func EncodeCapture(e *model.CaptureEvent) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldType:        e.Type.String(),
		fieldTimestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldProcessID:   float64(e.ProcessID),
		fieldThreadID:    float64(e.ThreadID),
		fieldProcessName: e.ProcessName,
		fieldSourceIP:    addrString(e.SourceIP),
		fieldSourcePort:  float64(e.SourcePort),
		fieldDestIP:      addrString(e.DestIP),
		fieldDestPort:    float64(e.DestPort),
		fieldDataLength:  float64(e.DataLength),
	}
	if e.Direction != model.DirectionUnknown {
		fields[fieldDirection] = e.Direction.String()
	}
	return structpb.NewStruct(fields)
}

// EncodeInterface converts an interface event to its structpb form.
func EncodeInterface(e *model.InterfaceEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldType:          model.EventInterfaceState.String(),
		fieldTimestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldInterfaceID:   e.InterfaceID,
		fieldInterfaceName: e.InterfaceName,
		fieldState:         e.State.String(),
	})
}

// Marshal encodes a struct payload to protobuf bytes.
func Marshal(s *structpb.Struct) ([]byte, error) {
	return proto.Marshal(s)
}

// Unmarshal decodes protobuf bytes produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return Decode(&s)
}

// Decode validates a payload and converts it to an event. A negative data length is
// rejected here, before the event reaches any tracker.
func Decode(s *structpb.Struct) (Event, error) {
	d := decoder{fields: s.GetFields()}
	typeName := d.str(fieldType, true)
	if d.err != nil {
		return Event{}, d.err
	}
	t, err := model.ParseEventType(typeName)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ts := d.timestamp(fieldTimestamp)

	if t == model.EventInterfaceState {
		ev := &model.InterfaceEvent{
			InterfaceID:   d.str(fieldInterfaceID, true),
			InterfaceName: d.str(fieldInterfaceName, false),
			Timestamp:     ts,
		}
		switch state := d.str(fieldState, true); state {
		case "up":
			ev.State = model.InterfaceUp
		case "down", "":
			ev.State = model.InterfaceDown
		default:
			d.fail("%s: unknown state %q", fieldState, state)
		}
		if d.err != nil {
			return Event{}, d.err
		}
		if ev.InterfaceName == "" {
			ev.InterfaceName = ev.InterfaceID
		}
		return Event{Interface: ev}, nil
	}

	ev := &model.CaptureEvent{
		Type:        t,
		Timestamp:   ts,
		ProcessID:   uint32(d.unsigned(fieldProcessID, math.MaxUint32, true)),
		ThreadID:    uint32(d.unsigned(fieldThreadID, math.MaxUint32, false)),
		ProcessName: d.str(fieldProcessName, false),
		SourceIP:    d.addr(fieldSourceIP),
		SourcePort:  uint16(d.unsigned(fieldSourcePort, math.MaxUint16, true)),
		DestIP:      d.addr(fieldDestIP),
		DestPort:    uint16(d.unsigned(fieldDestPort, math.MaxUint16, true)),
		DataLength:  d.signed(fieldDataLength),
	}
	dir, err := model.ParseDirection(d.str(fieldDirection, false))
	if err != nil {
		d.fail("%s: %v", fieldDirection, err)
	}
	ev.Direction = dir
	if d.err != nil {
		return Event{}, d.err
	}
	if err := ev.CheckLength(); err != nil {
		return Event{}, err
	}
	return Event{Capture: ev}, nil
}

// decoder collects the first field error so Decode reads like a plain field list.
type decoder struct {
	fields map[string]*structpb.Value
	err    error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) str(name string, required bool) string {
	v, ok := d.fields[name]
	if !ok {
		if required {
			d.fail("missing %s", name)
		}
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		d.fail("%s: want string", name)
		return ""
	}
	return s.StringValue
}

func (d *decoder) number(name string, required bool) (float64, bool) {
	v, ok := d.fields[name]
	if !ok {
		if required {
			d.fail("missing %s", name)
		}
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		d.fail("%s: want number", name)
		return 0, false
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		d.fail("%s: %v is not an integer", name, n.NumberValue)
		return 0, false
	}
	return n.NumberValue, true
}

func (d *decoder) unsigned(name string, limit uint64, required bool) uint64 {
	f, ok := d.number(name, required)
	if !ok {
		return 0
	}
	if f < 0 || f > float64(limit) {
		d.fail("%s: %v out of range", name, f)
		return 0
	}
	return uint64(f)
}

// signed reads a signed value; the sign is checked by the caller.
func (d *decoder) signed(name string) int64 {
	f, ok := d.number(name, false)
	if !ok {
		return 0
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		d.fail("%s: %v out of range", name, f)
		return 0
	}
	return int64(f)
}

func (d *decoder) addr(name string) netip.Addr {
	s := d.str(name, true)
	if s == "" {
		return netip.Addr{}
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		d.fail("%s: %v", name, err)
		return netip.Addr{}
	}
	return a.Unmap()
}

// timestamp accepts RFC 3339 strings or unix milliseconds; an absent timestamp means now.
func (d *decoder) timestamp(name string) time.Time {
	v, ok := d.fields[name]
	if !ok {
		return time.Now().UTC()
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339Nano, k.StringValue)
		if err != nil {
			d.fail("%s: %v", name, err)
			return time.Time{}
		}
		return t.UTC()
	case *structpb.Value_NumberValue:
		return time.UnixMilli(int64(k.NumberValue)).UTC()
	default:
		d.fail("%s: want string or number", name)
		return time.Time{}
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
