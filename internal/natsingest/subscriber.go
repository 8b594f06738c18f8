// Package natsingest feeds samples published on a NATS subject into the store.
package natsingest

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/deltat/internal/ingest"
	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/pkg/models"
)

// Sink accepts decoded samples
type Sink interface {
	Insert(sample models.PointSample)
}

// Config holds subscriber settings
type Config struct {
	URL        string
	Subject    string
	QueueGroup string // empty for a plain subscription
	Name       string // client name shown in NATS monitoring
}

// Subscriber consumes sample payloads from a core NATS subject. With a queue
// group, several deltat instances share the subject's messages.
// Requests that carry a reply subject are answered with the number of queued
// samples or the decode error.
type Subscriber struct {
	cfg     Config
	sink    Sink
	decoder *ingest.Decoder
	logger  zerolog.Logger

	nc  *nats.Conn
	sub *nats.Subscription

	received atomic.Int64
	failed   atomic.Int64
	queued   atomic.Int64
}

type reply struct {
	Queued int    `json:"queued"`
	Error  string `json:"error,omitempty"`
}

// NewSubscriber creates a disconnected subscriber
func NewSubscriber(cfg Config, sink Sink, decoder *ingest.Decoder, logger zerolog.Logger) (*Subscriber, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("nats url and subject are required")
	}
	if cfg.Name == "" {
		cfg.Name = "deltat-ingest"
	}
	return &Subscriber{
		cfg:     cfg,
		sink:    sink,
		decoder: decoder,
		logger:  logger.With().Str("component", "nats-subscriber").Str("subject", cfg.Subject).Logger(),
	}, nil
}

// Start connects and subscribes
func (s *Subscriber) Start() error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", s.cfg.URL, err)
	}

	handler := func(msg *nats.Msg) {
		n, err := s.handle(msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		if rerr := msg.Respond(encodeReply(n, err)); rerr != nil {
			s.logger.Debug().Err(rerr).Msg("Failed to answer request")
		}
	}

	var sub *nats.Subscription
	if s.cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, handler)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", s.cfg.Subject, err)
	}

	s.nc, s.sub = nc, sub
	s.logger.Info().
		Str("url", s.cfg.URL).
		Str("queue_group", s.cfg.QueueGroup).
		Msg("NATS subscriber started")
	return nil
}

// Close drains the subscription and closes the connection
func (s *Subscriber) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	s.nc = nil
	s.logger.Info().Msg("NATS subscriber stopped")
	return nil
}

// Stats returns subscriber counters
func (s *Subscriber) Stats() map[string]int64 {
	return map[string]int64{
		"messages_received": s.received.Load(),
		"messages_failed":   s.failed.Load(),
		"samples_queued":    s.queued.Load(),
	}
}

// handle decodes one message and inserts its samples
func (s *Subscriber) handle(subject string, data []byte) (int, error) {
	m := metrics.Get()
	s.received.Add(1)
	m.IncNATSMessages()
	m.IncIngestBytes(int64(len(data)))

	samples, err := s.decoder.Decode(data)
	if err != nil {
		s.failed.Add(1)
		m.IncIngestErrors()
		s.logger.Error().
			Err(err).
			Str("message_subject", subject).
			Int("payload_size", len(data)).
			Msg("Failed to decode NATS message")
		return 0, err
	}

	for _, sample := range samples {
		s.sink.Insert(sample)
	}
	s.queued.Add(int64(len(samples)))
	m.IncIngestSamples(int64(len(samples)))
	return len(samples), nil
}

func encodeReply(n int, err error) []byte {
	r := reply{Queued: n}
	if err != nil {
		r.Error = err.Error()
	}
	b, _ := json.Marshal(r)
	return b
}
