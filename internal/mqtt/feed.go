// Package mqtt receives device position reports from an MQTT broker.
package mqtt

import (
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/parser"
	"github.com/saviobatista/asset-tracker/internal/types"
)

// TopicPositions matches the per-device position topics.
const TopicPositions = "devices/+/position"

// Client defines the subset of the paho client used by the feed.
type Client interface {
	Connect() paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Handler receives every parsed position update.
type Handler func(*types.PositionUpdate)

// Feed subscribes to device topics and turns their payloads into position
// updates. Payloads may be JSON position bodies or raw NMEA sentences.
type Feed struct {
	client Client
	topic  string
	qos    byte
	logger zerolog.Logger
	now    func() time.Time
}

// New connects to broker and returns a feed over the connection.
func New(broker, clientID string, logger zerolog.Logger) (*Feed, error) {
	if broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient creates a feed over an existing client (useful for testing).
func NewWithClient(client Client, logger zerolog.Logger) *Feed {
	return &Feed{
		client: client,
		topic:  TopicPositions,
		qos:    1,
		logger: logger.With().Str("component", "mqtt").Logger(),
		now:    time.Now,
	}
}

// Subscribe starts delivering parsed updates to handler. Malformed payloads
// and sentences without a fix are logged and dropped.
func (f *Feed) Subscribe(handler Handler) error {
	token := f.client.Subscribe(f.topic, f.qos, func(_ paho.Client, msg paho.Message) {
		f.handleMessage(msg, handler)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.topic, token.Error())
	}

	f.logger.Info().Str("topic", f.topic).Msg("Subscribed to device positions")
	return nil
}

func (f *Feed) handleMessage(msg paho.Message, handler Handler) {
	deviceID, ok := DeviceID(msg.Topic())
	if !ok {
		f.logger.Warn().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}

	update, err := parser.ParseDevicePayload(deviceID, msg.Payload(), f.now().UTC())
	if err != nil {
		f.logger.Warn().Err(err).Str("device", deviceID).Msg("Failed to parse device payload")
		return
	}
	if update == nil {
		f.logger.Debug().Str("device", deviceID).Msg("Skipping payload without a position fix")
		return
	}

	handler(update)
}

// DeviceID extracts the device id from a devices/<id>/position topic.
func DeviceID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "position" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Close unsubscribes and disconnects from the broker.
func (f *Feed) Close() {
	if f.client == nil {
		return
	}
	f.client.Unsubscribe(f.topic).WaitTimeout(time.Second)
	f.client.Disconnect(250)
}
