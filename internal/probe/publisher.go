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
	"google.golang.org/protobuf/types/known/structpb"
)

// Publisher publishes capture events to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	sent    atomic.Uint64
	failed  atomic.Uint64
	log     *zap.SugaredLogger
}

// NewPublisher connects to the NATS server of cfg.
func NewPublisher(cfg config.ProbeConfig) (*Publisher, error) {
	log := logging.L("probe.publisher")
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("nw-probe"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	log.Infof("Connected to NATS server at %s", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject, log: log}, nil
}

// PublishCapture encodes e and publishes it.
func (p *Publisher) PublishCapture(e *model.CaptureEvent) error {
	s, err := capture.EncodeCapture(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return p.publish(s)
}

// PublishInterface encodes e and publishes it.
func (p *Publisher) PublishInterface(e *model.InterfaceEvent) error {
	s, err := capture.EncodeInterface(e)
	if err != nil {
		return fmt.Errorf("encode interface event: %w", err)
	}
	return p.publish(s)
}

func (p *Publisher) publish(s *structpb.Struct) error {
	data, err := capture.Marshal(s)
	if err != nil {
		p.failed.Add(1)
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		p.failed.Add(1)
		return err
	}
	p.sent.Add(1)
	return nil
}

// Sent returns the number of events published.
func (p *Publisher) Sent() uint64 {
	return p.sent.Load()
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warnf("NATS drain: %v", err)
	}
	p.log.Infow("NATS connection drained and closed", "sent", p.sent.Load(), "failed", p.failed.Load())
}
