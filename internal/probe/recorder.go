package probe

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Record is one captured packet together with the events decoded from it.
type Record struct {
	Packet gopacket.Packet
	Events []*model.CaptureEvent
}

// Recorder writes what the probe captures to a local file on a single goroutine, either
// as a pcap file that nw-monitor can replay or as one text line per event.
type Recorder struct {
	records chan Record
	file    *os.File
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
	log     *zap.SugaredLogger
}

// NewRecorder creates the output file in cfg.Dir and starts the writer.
func NewRecorder(cfg config.RecordConfig, linkType layers.LinkType, snapLen uint32) (*Recorder, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	ext := ".log"
	if cfg.Encoding == "pcap" {
		ext = ".pcap"
	}
	path := filepath.Join(cfg.Dir, time.Now().Format("2006-01-02_15-04-05")+ext)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create record file: %w", err)
	}

	r := &Recorder{
		records: make(chan Record, cfg.QueueSize),
		file:    file,
		log:     logging.L("probe.recorder"),
	}

	var write func(w *bufio.Writer) error
	switch cfg.Encoding {
	case "pcap":
		write = func(w *bufio.Writer) error { return r.writePcap(w, linkType, snapLen) }
	case "text":
		write = r.writeText
	default:
		file.Close()
		return nil, fmt.Errorf("unknown record encoding %q", cfg.Encoding)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w := bufio.NewWriter(file)
		if err := write(w); err != nil {
			r.log.Errorf("Recorder stopped: %v", err)
			// Keep draining so Enqueue callers never see a full channel forever.
			for range r.records {
				r.dropped.Add(1)
			}
		}
		if err := w.Flush(); err != nil {
			r.log.Errorf("Flush record file: %v", err)
		}
	}()

	r.log.Infow("Recorder started", "encoding", cfg.Encoding, "path", path)
	return r, nil
}

// Path returns the output file path.
func (r *Recorder) Path() string {
	return r.file.Name()
}

// Enqueue hands rec to the writer without blocking; it is dropped when the queue is full.
func (r *Recorder) Enqueue(rec Record) bool {
	select {
	case r.records <- rec:
		return true
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.log.Warnw("Recorder queue full, dropping packets", "dropped_total", n)
		}
		return false
	}
}

// Close drains the queue and closes the file. Enqueue must not be called afterwards.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.records)
		r.wg.Wait()
		err = r.file.Close()
		r.log.Infow("Recorder stopped", "written", r.written.Load(), "dropped", r.dropped.Load())
	})
	return err
}

func (r *Recorder) writePcap(w *bufio.Writer, linkType layers.LinkType, snapLen uint32) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, linkType); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	for rec := range r.records {
		if rec.Packet == nil {
			continue
		}
		data := rec.Packet.Data()
		ci := rec.Packet.Metadata().CaptureInfo
		if ci.CaptureLength == 0 {
			ci.CaptureLength = len(data)
		}
		if ci.Length == 0 {
			ci.Length = len(data)
		}
		if err := pw.WritePacket(ci, data); err != nil {
			r.log.Warnf("Write packet: %v", err)
			continue
		}
		r.written.Add(1)
	}
	return nil
}

func (r *Recorder) writeText(w *bufio.Writer) error {
	for rec := range r.records {
		for _, e := range rec.Events {
			if _, err := w.WriteString(FormatEvent(e) + "\n"); err != nil {
				return fmt.Errorf("write event line: %w", err)
			}
			r.written.Add(1)
		}
	}
	return nil
}

// FormatEvent renders e as one human-readable line.
func FormatEvent(e *model.CaptureEvent) string {
	key, err := e.Key()
	if err != nil {
		return fmt.Sprintf("%s %s pid=%d", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Type, e.ProcessID)
	}
	return fmt.Sprintf("%s %s pid=%d %s %s len=%d",
		e.Timestamp.Format("2006-01-02 15:04:05.000"),
		e.Type,
		e.ProcessID,
		e.ProcessName,
		key.Endpoints(),
		e.DataLength,
	)
}
