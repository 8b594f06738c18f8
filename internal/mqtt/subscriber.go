// Package mqtt feeds samples published on MQTT topics into the store.
package mqtt

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
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
	Broker         string
	ClientID       string
	Topics         []string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration // default 10s
}

// Stats is a snapshot of subscriber counters
type Stats struct {
	Connected        bool      `json:"connected"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesFailed   int64     `json:"messages_failed"`
	SamplesQueued    int64     `json:"samples_queued"`
	BytesReceived    int64     `json:"bytes_received"`
	Reconnects       int64     `json:"reconnects"`
	LastMessageAt    time.Time `json:"last_message_at,omitempty"`
}

// Subscriber decodes every message on the configured topics as a sample
// payload (JSON or MessagePack, one sample or an array) and inserts the
// samples. Malformed messages are counted and logged, never retried.
type Subscriber struct {
	cfg     Config
	sink    Sink
	decoder *ingest.Decoder
	client  pahomqtt.Client
	logger  zerolog.Logger

	mu            sync.RWMutex
	running       bool
	lastMessageAt time.Time

	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	samplesQueued    atomic.Int64
	bytesReceived    atomic.Int64
	reconnects       atomic.Int64
}

// NewSubscriber creates a disconnected subscriber
func NewSubscriber(cfg Config, sink Sink, decoder *ingest.Decoder, logger zerolog.Logger) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &Subscriber{
		cfg:     cfg,
		sink:    sink,
		decoder: decoder,
		logger:  logger.With().Str("component", "mqtt-subscriber").Str("broker", cfg.Broker).Logger(),
	}, nil
}

// Start connects to the broker. Topics are (re)subscribed on every connect.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("subscriber already running")
	}

	s.client = pahomqtt.NewClient(s.clientOptions())

	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connection timeout after %s", s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	s.running = true
	s.logger.Info().Strs("topics", s.cfg.Topics).Msg("MQTT subscriber started")
	return nil
}

// Close unsubscribes and disconnects
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topics...).WaitTimeout(time.Second)
		s.client.Disconnect(1000)
	}

	s.logger.Info().Msg("MQTT subscriber stopped")
	return nil
}

// Stats returns a snapshot of the subscriber counters
func (s *Subscriber) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Connected:        s.running && s.client != nil && s.client.IsConnected(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesFailed:   s.messagesFailed.Load(),
		SamplesQueued:    s.samplesQueued.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		Reconnects:       s.reconnects.Load(),
		LastMessageAt:    s.lastMessageAt,
	}
}

func (s *Subscriber) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetCleanSession(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			s.logger.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			s.logger.Info().Int64("reconnects", s.reconnects.Add(1)).Msg("Reconnecting to MQTT broker")
		})

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

func (s *Subscriber) onConnect(client pahomqtt.Client) {
	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, topic := range s.cfg.Topics {
		filters[topic] = s.cfg.QoS
	}

	token := client.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Strs("topics", s.cfg.Topics).Msg("Failed to subscribe")
		return
	}
	s.logger.Info().Strs("topics", s.cfg.Topics).Uint8("qos", s.cfg.QoS).Msg("Subscribed")
}

// handle decodes one message and inserts its samples
func (s *Subscriber) handle(topic string, payload []byte) {
	m := metrics.Get()
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(int64(len(payload)))
	m.IncMQTTMessages()
	m.IncIngestBytes(int64(len(payload)))

	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()

	samples, err := s.decoder.Decode(payload)
	if err != nil {
		s.messagesFailed.Add(1)
		m.IncIngestErrors()
		s.logger.Error().
			Err(err).
			Str("topic", topic).
			Int("payload_size", len(payload)).
			Msg("Failed to decode MQTT message")
		return
	}

	for _, sample := range samples {
		s.sink.Insert(sample)
	}
	s.samplesQueued.Add(int64(len(samples)))
	m.IncIngestSamples(int64(len(samples)))
}
