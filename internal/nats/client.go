package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/saviobatista/asset-tracker/internal/types"
)

const (
	SubjectPositions = "tracker.positions"
	StreamPositions  = "POSITIONS"
)

// Client represents a NATS client
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	logger zerolog.Logger
}

// New creates a new NATS client and makes sure the position stream exists
func New(url string, logger zerolog.Logger) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("failed to connect to NATS: empty URL")
	}

	nc, err := nats.Connect(url, nats.Name("asset-tracker"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamPositions,
		Subjects: []string{SubjectPositions},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !strings.Contains(err.Error(), "stream name already in use") {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &Client{
		conn:   nc,
		js:     js,
		logger: logger.With().Str("component", "nats").Logger(),
	}, nil
}

// PublishPositionUpdate publishes a position update to the stream
func (c *Client) PublishPositionUpdate(update *types.PositionUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	_, err = c.js.Publish(SubjectPositions, data)
	if err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}

	return nil
}

// SubscribePositionUpdates delivers every update on the stream to handler.
// Messages that cannot be decoded are logged and dropped.
func (c *Client) SubscribePositionUpdates(handler func(*types.PositionUpdate)) error {
	sub, err := c.js.Subscribe(SubjectPositions, func(msg *nats.Msg) {
		update, err := decodeUpdate(msg.Data)
		if err != nil {
			c.logger.Error().Err(err).Msg("Error unmarshaling position update")
			return
		}
		handler(update)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.subs = append(c.subs, sub)
	return nil
}

func decodeUpdate(data []byte) (*types.PositionUpdate, error) {
	var update types.PositionUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal update: %w", err)
	}
	if update.LabelID == "" && update.MacID == "" {
		return nil, fmt.Errorf("update has neither labelId nor macId")
	}
	return &update, nil
}

// Close unsubscribes and closes the NATS connection
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil

	if c.conn != nil {
		c.conn.Close()
	}
}
