package capture

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

// bpfFilter limits capture to the protocols the trackers handle.
const bpfFilter = "tcp or udp"

// PublishFunc hands an event to the pipeline and reports whether it was accepted.
type PublishFunc func(e *model.CaptureEvent) bool

// PcapSource captures packets from a live interface or a capture file and publishes the
// decoded events.
type PcapSource struct {
	cfg     config.CaptureConfig
	decoder *PacketDecoder
	publish PublishFunc
	tap     func(packet gopacket.Packet, events []*model.CaptureEvent)
	log     *zap.SugaredLogger
}

func NewPcapSource(cfg config.CaptureConfig, decoder *PacketDecoder, publish PublishFunc) *PcapSource {
	return &PcapSource{
		cfg:     cfg,
		decoder: decoder,
		publish: publish,
		log:     logging.L("capture.pcap"),
	}
}

// SetTap registers fn to see every captured packet with its decoded events. It must be
// set before Run.
func (s *PcapSource) SetTap(fn func(packet gopacket.Packet, events []*model.CaptureEvent)) {
	s.tap = fn
}

// Run captures on the configured interface until ctx is cancelled.
func (s *PcapSource) Run(ctx context.Context) error {
	handle, err := pcap.OpenLive(s.cfg.Interface, s.cfg.SnapshotLen, s.cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open device %s: %w", s.cfg.Interface, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return fmt.Errorf("set filter on %s: %w", s.cfg.Interface, err)
	}
	s.log.Infow("Capture started", "interface", s.cfg.Interface, "snapshot_len", s.cfg.SnapshotLen)
	return s.consume(ctx, handle)
}

// ReadFile replays a capture file through the decoder. It returns when the file ends.
func (s *PcapSource) ReadFile(ctx context.Context, path string) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("open capture file %s: %w", path, err)
	}
	s.log.Infow("Replaying capture file", "path", path)
	return s.consume(ctx, handle)
}

func (s *PcapSource) consume(ctx context.Context, handle *pcap.Handle) error {
	// Closing the handle unblocks the packet source when ctx ends first.
	stop := context.AfterFunc(ctx, handle.Close)
	defer func() {
		if stop() {
			handle.Close()
		}
	}()

	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	var seen, published uint64
	for packet := range packets {
		seen++
		events := s.decoder.Events(packet)
		if s.tap != nil {
			s.tap(packet, events)
		}
		for _, e := range events {
			if s.publish(e) {
				published++
			}
		}
		if seen%100000 == 0 {
			s.log.Debugw("Capture progress", "packets", seen, "events", published)
		}
	}
	s.log.Infow("Capture stopped", "packets", seen, "events", published)
	return ctx.Err()
}
