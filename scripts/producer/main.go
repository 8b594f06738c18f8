// Test producer - publishes point sample payloads to MQTT or NATS for deltat
// to ingest.
//
// Usage:
//   go run ./scripts/producer [flags]
//
// Examples:
//   go run ./scripts/producer -transport mqtt -topic deltat/values -count 100
//   go run ./scripts/producer -transport nats -url nats://localhost:4222 -subject deltat.values -rate 500
//   go run ./scripts/producer -format json -batch 50 -entities 200

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	transport = flag.String("transport", "mqtt", "Transport: mqtt or nats")
	broker    = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic     = flag.String("topic", "deltat/values", "MQTT topic")
	qos       = flag.Int("qos", 1, "MQTT QoS level (0, 1, or 2)")
	natsURL   = flag.String("url", nats.DefaultURL, "NATS server URL")
	subject   = flag.String("subject", "deltat.values", "NATS subject")
	count     = flag.Int("count", 0, "Number of messages to send (0 = unlimited)")
	rate      = flag.Int("rate", 10, "Messages per second")
	duration  = flag.Duration("duration", 0, "Duration to run (0 = until count or Ctrl+C)")
	format    = flag.String("format", "msgpack", "Message format: json or msgpack")
	batch     = flag.Int("batch", 1, "Samples per message")
	entities  = flag.Int("entities", 20, "Number of simulated points")
	change    = flag.Float64("change", 0.1, "Probability that a point changes value per sample")
	verbose   = flag.Bool("verbose", false, "Verbose output")
)

// sample mirrors the short wire form accepted by deltat
type sample struct {
	EntityID  string `json:"entity_id" msgpack:"entity_id"`
	Priority  int    `json:"priority" msgpack:"priority"`
	Value     string `json:"value" msgpack:"value"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
	Unit      string `json:"unit,omitempty" msgpack:"unit,omitempty"`
}

// point is a simulated device point. Values change rarely so most samples
// repeat an existing identity.
type point struct {
	id       string
	priority int
	unit     string
	value    string
	next     func(r *rand.Rand) string
}

type publisher interface {
	Publish(payload []byte) error
	Close()
}

type mqttPublisher struct {
	client pahomqtt.Client
}

func (p *mqttPublisher) Publish(payload []byte) error {
	token := p.client.Publish(*topic, byte(*qos), false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (p *mqttPublisher) Close() { p.client.Disconnect(1000) }

type natsPublisher struct {
	nc *nats.Conn
}

func (p *natsPublisher) Publish(payload []byte) error { return p.nc.Publish(*subject, payload) }

func (p *natsPublisher) Close() {
	p.nc.Flush()
	p.nc.Close()
}

func connect() (publisher, error) {
	switch *transport {
	case "mqtt":
		opts := pahomqtt.NewClientOptions().
			AddBroker(*broker).
			SetClientID(fmt.Sprintf("deltat-producer-%d", os.Getpid())).
			SetCleanSession(true).
			SetAutoReconnect(true).
			SetConnectTimeout(10 * time.Second)
		client := pahomqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return nil, fmt.Errorf("connection timeout")
		}
		if err := token.Error(); err != nil {
			return nil, err
		}
		return &mqttPublisher{client: client}, nil
	case "nats":
		nc, err := nats.Connect(*natsURL, nats.Name("deltat-producer"))
		if err != nil {
			return nil, err
		}
		return &natsPublisher{nc: nc}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *transport)
	}
}

func newPoints(n int, r *rand.Rand) []*point {
	points := make([]*point, n)
	for i := range points {
		switch i % 3 {
		case 0:
			points[i] = &point{
				id: fmt.Sprintf("ahu-%03d/supply-temp", i), priority: 16, unit: "degC",
				next: func(r *rand.Rand) string {
					return strconv.FormatFloat(float64(180+r.Intn(60))/10, 'f', 1, 64)
				},
			}
		case 1:
			points[i] = &point{
				id: fmt.Sprintf("pump-%03d/run", i), priority: 8,
				next: func(r *rand.Rand) string {
					if r.Intn(2) == 0 {
						return "off"
					}
					return "on"
				},
			}
		default:
			points[i] = &point{
				id: fmt.Sprintf("vav-%03d/setpoint", i), priority: 1 + r.Intn(16), unit: "degC",
				next: func(r *rand.Rand) string {
					return strconv.Itoa(19 + r.Intn(6))
				},
			}
		}
		points[i].value = points[i].next(r)
	}
	return points
}

func encode(v interface{}) ([]byte, error) {
	if *format == "json" {
		return json.Marshal(v)
	}
	return msgpack.Marshal(v)
}

func main() {
	flag.Parse()
	if *rate <= 0 || *batch <= 0 || *entities <= 0 {
		fmt.Fprintln(os.Stderr, "rate, batch and entities must be positive")
		os.Exit(2)
	}

	fmt.Printf("deltat test producer\n")
	fmt.Printf("====================\n")
	fmt.Printf("Transport: %s\n", *transport)
	fmt.Printf("Format:    %s\n", *format)
	fmt.Printf("Rate:      %d msg/s\n", *rate)
	fmt.Printf("Batch:     %d samples/msg\n", *batch)
	fmt.Printf("Points:    %d\n", *entities)
	fmt.Println()

	pub, err := connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(1)
	}
	defer pub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var durationTimer <-chan time.Time
	if *duration > 0 {
		durationTimer = time.After(*duration)
	}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	points := newPoints(*entities, r)

	var sent, failed, changes int64
	startTime := time.Now()

	fmt.Println("Sending messages... (Ctrl+C to stop)")

	for running := true; running; {
		select {
		case <-sigCh:
			fmt.Println("\nReceived shutdown signal")
			running = false

		case <-durationTimer:
			fmt.Println("\nDuration reached")
			running = false

		case <-ticker.C:
			samples := make([]sample, *batch)
			now := time.Now().UnixMilli()
			for i := range samples {
				p := points[r.Intn(len(points))]
				if r.Float64() < *change {
					p.value = p.next(r)
					changes++
				}
				samples[i] = sample{EntityID: p.id, Priority: p.priority, Value: p.value, Timestamp: now, Unit: p.unit}
			}

			var payload []byte
			if *batch == 1 {
				payload, err = encode(samples[0])
			} else {
				payload, err = encode(samples)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
				failed++
				continue
			}

			if err := pub.Publish(payload); err != nil {
				failed++
				if *verbose {
					fmt.Printf("Failed to send message %d: %v\n", sent+failed, err)
				}
			} else {
				sent++
				if *verbose {
					fmt.Printf("Sent message %d (%d bytes)\n", sent, len(payload))
				}
			}

			if *count > 0 && sent+failed >= int64(*count) {
				fmt.Println("\nMessage count reached")
				running = false
			}
		}
	}

	elapsed := time.Since(startTime)
	samplesSent := sent * int64(*batch)

	fmt.Printf("\n")
	fmt.Printf("Summary\n")
	fmt.Printf("=======\n")
	fmt.Printf("Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Messages sent:   %d\n", sent)
	fmt.Printf("Messages failed: %d\n", failed)
	fmt.Printf("Samples sent:    %d\n", samplesSent)
	fmt.Printf("Value changes:   %d\n", changes)
	fmt.Printf("Throughput:      %.1f samples/s\n", float64(samplesSent)/elapsed.Seconds())
}
