package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/asset-tracker/internal/types"
)

// LabelTTL is how long a cached label survives without updates
const LabelTTL = 24 * time.Hour

const labelSetKey = "labels"

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// Client caches the latest state of real-time labels
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func labelKey(id string) string {
	return fmt.Sprintf("label:%s", id)
}

func macKey(macID string) string {
	return fmt.Sprintf("label-mac:%s", macID)
}

// StoreLabel caches a label and its MAC index entry
func (c *Client) StoreLabel(ctx context.Context, label *types.RealTimeLabel) error {
	data, err := json.Marshal(label)
	if err != nil {
		return fmt.Errorf("failed to marshal label: %w", err)
	}

	if err := c.client.Set(ctx, labelKey(label.ID), data, LabelTTL).Err(); err != nil {
		return fmt.Errorf("failed to store label: %w", err)
	}
	if err := c.client.Set(ctx, macKey(label.MacID), label.ID, LabelTTL).Err(); err != nil {
		return fmt.Errorf("failed to store label index: %w", err)
	}
	if err := c.client.SAdd(ctx, labelSetKey, label.ID).Err(); err != nil {
		return fmt.Errorf("failed to track label: %w", err)
	}

	return nil
}

// GetLabel retrieves a cached label. It returns nil when the label is not cached.
func (c *Client) GetLabel(ctx context.Context, id string) (*types.RealTimeLabel, error) {
	data, err := c.client.Get(ctx, labelKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil // Data not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label data: %w", err)
	}

	var label types.RealTimeLabel
	if err := json.Unmarshal(data, &label); err != nil {
		return nil, fmt.Errorf("failed to unmarshal label data: %w", err)
	}
	return &label, nil
}

// GetLabelByMac retrieves a cached label through the MAC index
func (c *Client) GetLabelByMac(ctx context.Context, macID string) (*types.RealTimeLabel, error) {
	id, err := c.client.Get(ctx, macKey(macID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label index: %w", err)
	}

	return c.GetLabel(ctx, id)
}

// DeleteLabel removes a label and its MAC index entry
func (c *Client) DeleteLabel(ctx context.Context, label *types.RealTimeLabel) error {
	if err := c.client.Del(ctx, labelKey(label.ID), macKey(label.MacID)).Err(); err != nil {
		return fmt.Errorf("failed to delete label: %w", err)
	}
	return c.client.SRem(ctx, labelSetKey, label.ID).Err()
}

// LoadLabels returns every label still cached. Ids whose entries have
// expired are pruned from the tracking set.
func (c *Client) LoadLabels(ctx context.Context) ([]types.RealTimeLabel, error) {
	ids, err := c.client.SMembers(ctx, labelSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	labels := make([]types.RealTimeLabel, 0, len(ids))
	for _, id := range ids {
		label, err := c.GetLabel(ctx, id)
		if err != nil {
			return nil, err
		}
		if label == nil {
			_ = c.client.SRem(ctx, labelSetKey, id).Err()
			continue
		}
		labels = append(labels, *label)
	}

	return labels, nil
}
