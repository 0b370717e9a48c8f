package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetIdempotencyKey stores an idempotency key with TTL, mapping it to
// the order id it produced.
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), orderID, ttl).Err()
}

// GetIdempotencyKey returns the order id recorded for the key, or
// (0, false) when the key is unknown.
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	orderID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt idempotency value %q: %w", val, err)
	}
	return orderID, true, nil
}

// CacheOrderStatus stores the latest order status for fast reads.
func (c *Client) CacheOrderStatus(ctx context.Context, orderID int64, status string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("order-status:%d", orderID), status, ttl).Err()
}

// CachedOrderStatus returns the cached status for an order, if any.
func (c *Client) CachedOrderStatus(ctx context.Context, orderID int64) (string, bool, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("order-status:%d", orderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// InitInventorySnapshot mirrors a stock row into Redis for dashboards
// and cheap availability reads. The database stays authoritative.
func (c *Client) InitInventorySnapshot(ctx context.Context, productID int64, available, reserved int) error {
	key := fmt.Sprintf("inventory:%d", productID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "available", available)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// InventorySnapshot retrieves the mirrored stock counts.
func (c *Client) InventorySnapshot(ctx context.Context, productID int64) (available, reserved int, err error) {
	key := fmt.Sprintf("inventory:%d", productID)

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, fmt.Errorf("inventory snapshot not found for product %d", productID)
	}

	available, _ = strconv.Atoi(result["available"])
	reserved, _ = strconv.Atoi(result["reserved"])
	return available, reserved, nil
}
