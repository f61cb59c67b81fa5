package probe

import (
	"Go2NetWatch/internal/capture"
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sink accepts decoded events; the capture bus implements it.
type Sink interface {
	Publish(e *model.CaptureEvent) bool
	PublishInterface(e *model.InterfaceEvent) bool
}

// Subscriber feeds capture events received over NATS into a Sink.
type Subscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	subject   string
	sink      Sink
	received  atomic.Uint64
	malformed atomic.Uint64
	log       *zap.SugaredLogger
}

// NewSubscriber connects to the NATS server of cfg.
func NewSubscriber(cfg config.ProbeConfig, sink Sink) (*Subscriber, error) {
	log := logging.L("probe.subscriber")
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("nw-monitor"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	log.Infof("Connected to NATS server at %s", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, sink: sink, log: log}, nil
}

// Start subscribes to the configured subject.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Infof("Subscribed to '%s'", s.subject)
	return nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	s.received.Add(1)
	ev, err := capture.Unmarshal(msg.Data)
	if err != nil {
		if n := s.malformed.Add(1); n == 1 || n%1000 == 0 {
			s.log.Warnw("Dropping undecodable event", "error", err, "malformed_total", n)
		}
		return
	}
	switch {
	case ev.Capture != nil:
		s.sink.Publish(ev.Capture)
	case ev.Interface != nil:
		s.sink.PublishInterface(ev.Interface)
	}
}

// Malformed returns the number of messages that could not be decoded.
func (s *Subscriber) Malformed() uint64 {
	return s.malformed.Load()
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warnf("NATS unsubscribe: %v", err)
		}
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Infow("NATS connection closed", "received", s.received.Load(), "malformed", s.malformed.Load())
	}
}
