// Package rediskv provides typed key/value operations over Redis: hashes,
// sets, SETNX, counters with TTL, a FIFO list queue, and pub/sub. Transport
// failures surface as domain.ErrKVUnavailable; retry is the caller's concern.
package rediskv

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Client wraps a single long-lived Redis connection pool.
type Client struct {
	rdb *redis.Client
}

// New constructs a Client from a redis:// URL.
func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=rediskv.New: %w: %v", domain.ErrInvalidArgument, err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client (tests use miniredis-backed clients).
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Ping verifies connectivity.
func (c *Client) Ping(ctx domain.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=rediskv.Ping: %w: %v", domain.ErrKVUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return fmt.Errorf("op=rediskv.%s: %w: %v", op, domain.ErrKVUnavailable, err)
}

// HashSet writes fields into the hash at key.
func (c *Client) HashSet(ctx domain.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrap("HashSet", c.rdb.HSet(ctx, key, args...).Err())
}

// HashGetAll returns all fields of the hash at key; empty map when absent.
func (c *Client) HashGetAll(ctx domain.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("HashGetAll", err)
	}
	return m, nil
}

// SetIfAbsent performs an atomic SETNX with TTL; ok is true when the key was set.
func (c *Client) SetIfAbsent(ctx domain.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("SetIfAbsent", err)
	}
	return ok, nil
}

// Set writes a plain string key with TTL.
func (c *Client) Set(ctx domain.Context, key, value string, ttl time.Duration) error {
	return wrap("Set", c.rdb.Set(ctx, key, value, ttl).Err())
}

// Get reads a plain string key; ok is false when absent.
func (c *Client) Get(ctx domain.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("Get", err)
	}
	return v, true, nil
}

// IncrWithTTL increments an integer counter, arming the TTL on first use so
// the window expires even if the caller crashes between calls.
func (c *Client) IncrWithTTL(ctx domain.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap("IncrWithTTL", err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, wrap("IncrWithTTL", err)
		}
	}
	return n, nil
}

// SetAdd adds a member to the set at key.
func (c *Client) SetAdd(ctx domain.Context, key, member string) error {
	return wrap("SetAdd", c.rdb.SAdd(ctx, key, member).Err())
}

// SetRemove removes a member from the set at key.
func (c *Client) SetRemove(ctx domain.Context, key, member string) error {
	return wrap("SetRemove", c.rdb.SRem(ctx, key, member).Err())
}

// SetMembers returns all members of the set at key.
func (c *Client) SetMembers(ctx domain.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("SetMembers", err)
	}
	return members, nil
}

// SortedAdd inserts member into the sorted set at key with the given score.
func (c *Client) SortedAdd(ctx domain.Context, key string, score float64, member string) error {
	return wrap("SortedAdd", c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// SortedRevRange returns members of the sorted set newest-first.
func (c *Client) SortedRevRange(ctx domain.Context, key string, offset, count int64) ([]string, error) {
	members, err := c.rdb.ZRevRange(ctx, key, offset, offset+count-1).Result()
	if err != nil {
		return nil, wrap("SortedRevRange", err)
	}
	return members, nil
}

// SortedRemove removes a member from the sorted set at key.
func (c *Client) SortedRemove(ctx domain.Context, key, member string) error {
	return wrap("SortedRemove", c.rdb.ZRem(ctx, key, member).Err())
}

// Expire refreshes the TTL on key.
func (c *Client) Expire(ctx domain.Context, key string, ttl time.Duration) error {
	return wrap("Expire", c.rdb.Expire(ctx, key, ttl).Err())
}

// GetTTL returns the remaining TTL of key (negative when absent or persistent).
func (c *Client) GetTTL(ctx domain.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap("GetTTL", err)
	}
	return d, nil
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx domain.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("Exists", err)
	}
	return n > 0, nil
}

// Delete removes keys.
func (c *Client) Delete(ctx domain.Context, keys ...string) error {
	return wrap("Delete", c.rdb.Del(ctx, keys...).Err())
}

// QueuePush appends a payload to the FIFO list queue.
func (c *Client) QueuePush(ctx domain.Context, queue, payload string) error {
	return wrap("QueuePush", c.rdb.LPush(ctx, queue, payload).Err())
}

// QueuePopBlocking waits up to timeout for a payload; ok is false on timeout.
func (c *Client) QueuePopBlocking(ctx domain.Context, queue string, timeout time.Duration) (string, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("QueuePopBlocking", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return "", false, fmt.Errorf("op=rediskv.QueuePopBlocking: %w: unexpected reply shape", domain.ErrKVUnavailable)
	}
	return res[1], true, nil
}

// QueueRemove deletes matching payloads from the queue (best-effort cancel).
func (c *Client) QueueRemove(ctx domain.Context, queue, payload string) error {
	return wrap("QueueRemove", c.rdb.LRem(ctx, queue, 0, payload).Err())
}

// QueueLen returns the queue depth.
func (c *Client) QueueLen(ctx domain.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, wrap("QueueLen", err)
	}
	return n, nil
}

// Publish sends a message on the channel.
func (c *Client) Publish(ctx domain.Context, channel, msg string) error {
	return wrap("Publish", c.rdb.Publish(ctx, channel, msg).Err())
}

// Subscribe returns a channel of raw messages and a cancel func. The channel
// closes after cancel or when the connection drops.
func (c *Client) Subscribe(ctx domain.Context, channel string) (<-chan string, func(), error) {
	ps := c.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so callers
	// do not miss messages published immediately after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, wrap("Subscribe", err)
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- msg.Payload
		}
	}()
	cancel := func() { _ = ps.Close() }
	return out, cancel, nil
}
