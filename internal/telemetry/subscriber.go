// Package telemetry feeds trip telemetry published by driver apps over
// MQTT into the engine.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
)

const DefaultTopic = "trips/+/telemetry"

// Client is the part of the paho client the subscriber uses.
type Client interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Handler receives one decoded update.
type Handler func(ctx context.Context, u models.TripTelemetryUpdate) error

func Dial(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return c, nil
}

type Subscriber struct {
	client  Client
	topic   string
	handle  Handler
	log     zerolog.Logger
	timeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

func NewSubscriber(c Client, topic string, h Handler, log zerolog.Logger) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Subscriber{client: c, topic: topic, handle: h, log: log, timeout: 10 * time.Second}
}

// Start subscribes at QoS 1. Handlers run with a context derived from ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	token := s.client.Subscribe(s.topic, 1, s.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	s.log.Info().Str("topic", s.topic).Msg("telemetry subscriber started")
	return nil
}

func (s *Subscriber) Close() {
	if !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.topic).Wait()
	s.client.Disconnect(250)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	u, err := Decode(msg.Topic(), msg.Payload())
	if err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid telemetry message")
		return
	}
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if err := s.handle(ctx, u); err != nil {
		s.log.Error().Err(err).Str("trip_id", u.TripID).Msg("telemetry handler failed")
	}
}

// Decode parses a telemetry payload. A missing trip_id is taken from the
// topic, trips/{trip_id}/telemetry.
func Decode(topic string, payload []byte) (models.TripTelemetryUpdate, error) {
	var u models.TripTelemetryUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, fmt.Errorf("decode telemetry: %w", err)
	}
	if u.TripID == "" {
		u.TripID = tripIDFromTopic(topic)
	}
	if u.TripID == "" {
		return u, fmt.Errorf("telemetry on %q has no trip id", topic)
	}
	return u, nil
}

func tripIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "trips" && parts[2] == "telemetry" {
		return parts[1]
	}
	return ""
}
