package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workflow-collab-api/internal/realtime"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Publisher routes a server-originated status event to its room.
type Publisher interface {
	Publish(payload any) ([]string, error)
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string, log *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return nc, nil
}

// StatusSubscriber feeds workflow execution and process mining updates
// published by backend services into the hub. Messages use the same
// envelope as client frames.
type StatusSubscriber struct {
	nc      *nats.Conn
	subject string
	pub     Publisher
	log     *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewStatusSubscriber(nc *nats.Conn, subject string, pub Publisher, log *zap.Logger) *StatusSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusSubscriber{nc: nc, subject: subject, pub: pub, log: log}
}

// Start subscribes to the status subject. Messages are handled on the NATS
// delivery goroutine of the subscription.
func (s *StatusSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.Errorf("status subscription to %s already started", s.subject)
	}
	sub, err := s.nc.Subscribe(s.subject, func(m *nats.Msg) {
		if err := s.handle(m.Subject, m.Data); err != nil {
			s.log.Warn("drop status event", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", s.subject)
	}
	_ = sub.SetPendingLimits(100_000, 64*1024*1024)
	s.sub = sub
	s.log.Info("status ingest started", zap.String("subject", s.subject))
	return nil
}

// Close drains the subscription: messages already received are still
// handled, nothing new is delivered. Closing a stopped subscriber is a no-op.
func (s *StatusSubscriber) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return errors.Wrap(err, "drain status subscription")
	}
	s.log.Info("status ingest stopped", zap.String("subject", s.subject))
	return nil
}

// Run subscribes and blocks until ctx is done, then drains the subscription.
func (s *StatusSubscriber) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

func (s *StatusSubscriber) handle(subject string, data []byte) error {
	in, err := realtime.Decode(data)
	if err != nil {
		return err
	}
	if !in.Kind.IncludesOrigin() {
		return fmt.Errorf("%w: %s is not a status event", realtime.ErrMalformedEvent, in.Kind)
	}
	delivered, err := s.pub.Publish(in.Payload)
	if err != nil {
		return err
	}
	s.log.Debug("status event routed",
		zap.String("subject", subject),
		zap.String("event", string(in.Kind)),
		zap.Int("delivered", len(delivered)))
	return nil
}
