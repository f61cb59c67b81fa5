package probe

import (
	"Go2NetWatch/internal/capture"
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	captures []*model.CaptureEvent
	ifaces   []*model.InterfaceEvent
}

func (r *recordingSink) Publish(e *model.CaptureEvent) bool {
	r.captures = append(r.captures, e)
	return true
}

func (r *recordingSink) PublishInterface(e *model.InterfaceEvent) bool {
	r.ifaces = append(r.ifaces, e)
	return true
}

func sendEvent() *model.CaptureEvent {
	return &model.CaptureEvent{
		Type: model.EventTCPSend, Timestamp: t0, ProcessID: 42, ProcessName: "curl",
		SourceIP: netip.MustParseAddr("10.0.0.2"), SourcePort: 51000,
		DestIP: netip.MustParseAddr("93.184.216.34"), DestPort: 443, DataLength: 300,
	}
}

func encoded(t *testing.T, e *model.CaptureEvent) []byte {
	t.Helper()
	s, err := capture.EncodeCapture(e)
	require.NoError(t, err)
	data, err := capture.Marshal(s)
	require.NoError(t, err)
	return data
}

func TestSubscriberRoutesMessages(t *testing.T) {
	sink := &recordingSink{}
	s := &Subscriber{sink: sink, log: logging.L("probe.subscriber")}

	s.handle(&nats.Msg{Data: encoded(t, sendEvent())})

	is, err := capture.EncodeInterface(&model.InterfaceEvent{InterfaceID: "eth0", State: model.InterfaceDown, Timestamp: t0})
	require.NoError(t, err)
	data, err := capture.Marshal(is)
	require.NoError(t, err)
	s.handle(&nats.Msg{Data: data})

	bad := sendEvent()
	bad.DataLength = -5
	s.handle(&nats.Msg{Data: encoded(t, bad)})
	s.handle(&nats.Msg{Data: []byte("garbage")})

	require.Len(t, sink.captures, 1)
	assert.Equal(t, uint16(51000), sink.captures[0].SourcePort)
	require.Len(t, sink.ifaces, 1)
	assert.Equal(t, model.InterfaceDown, sink.ifaces[0].State)
	assert.Equal(t, uint64(2), s.Malformed())
}

func TestRecorderText(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(config.RecordConfig{Dir: dir, Encoding: "text", QueueSize: 8}, layers.LinkTypeEthernet, 1600)
	require.NoError(t, err)

	assert.True(t, r.Enqueue(Record{Events: []*model.CaptureEvent{sendEvent()}}))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "2026-03-01 12:00:00.000 TcpSend pid=42 curl 10.0.0.2:51000 -> 93.184.216.34:443 len=300", lines[0])
}

func TestRecorderPcapCanBeReplayed(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(config.RecordConfig{Dir: dir, Encoding: "pcap", QueueSize: 8}, layers.LinkTypeEthernet, 1600)
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(1, 1, 1, 1)}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload([]byte("hello"))))
	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	assert.True(t, r.Enqueue(Record{Packet: packet}))
	require.NoError(t, r.Close())

	f, err := os.Open(r.Path())
	require.NoError(t, err)
	defer f.Close()
	pr, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, pr.LinkType())
	data, ci, err := pr.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), data)
	assert.Equal(t, len(data), ci.CaptureLength)
}

func TestRecorderRejectsUnknownEncoding(t *testing.T) {
	_, err := NewRecorder(config.RecordConfig{Dir: t.TempDir(), Encoding: "gob", QueueSize: 1}, layers.LinkTypeEthernet, 1600)
	assert.ErrorContains(t, err, "unknown record encoding")
}
