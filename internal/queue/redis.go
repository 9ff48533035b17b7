package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// promoteDue moves delayed messages whose due time has passed onto the ready list.
// KEYS: delayed zset, ready list. ARGV: now (unix ms).
var promoteDue = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// reapExpired leases orphaned in-flight entries and requeues those whose lease ran out.
// KEYS: lease zset, processing list, ready list. ARGV: now (unix ms), new lease deadline (unix ms).
var reapExpired = redis.NewScript(`
for _, item in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
	redis.call('ZADD', KEYS[1], 'NX', ARGV[2], item)
end
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	if redis.call('LREM', KEYS[2], 1, item) > 0 then
		redis.call('RPUSH', KEYS[3], item)
		n = n + 1
	end
end
return n
`)

// RedisBroker keeps messages in Redis lists so several processes can share one queue.
// A received message stays on a processing list under a lease until it is acked;
// the lease is reaped back onto the ready list when a consumer dies mid-handling.
// Delayed retries wait in a sorted set scored by due time.
type RedisBroker struct {
	client     *redis.Client
	key        string
	processing string
	leases     string
	delayed    string
	poll       time.Duration
	visibility time.Duration
	now        func() time.Time
}

// NewRedisBroker uses the list "queue:<name>" and its ":processing", ":leases" and ":delayed" companions
func NewRedisBroker(client *redis.Client, name string) *RedisBroker {
	key := "queue:" + name
	return &RedisBroker{
		client:     client,
		key:        key,
		processing: key + ":processing",
		leases:     key + ":leases",
		delayed:    key + ":delayed",
		poll:       time.Second,
		visibility: 2 * time.Minute,
		now:        time.Now,
	}
}

// WithVisibility sets how long a received message may stay unacked before it is redelivered
func (b *RedisBroker) WithVisibility(d time.Duration) *RedisBroker {
	if d > 0 {
		b.visibility = d
	}
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.client.LPush(ctx, b.key, data).Err()
}

// PublishAt parks msg until at, then makes it available to Receive
func (b *RedisBroker) PublishAt(ctx context.Context, msg Message, at time.Time) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.client.ZAdd(ctx, b.delayed, redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
}

func (b *RedisBroker) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		raw, err := b.client.BLMove(ctx, b.key, b.processing, "RIGHT", "LEFT", b.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, fmt.Errorf("blmove %s: %w", b.key, err)
		}

		deadline := b.now().Add(b.visibility).UnixMilli()
		if err := b.client.ZAdd(ctx, b.leases, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
			// the reaper leases it on its next pass
			return Message{}, fmt.Errorf("lease message: %w", err)
		}

		var msg Message
		if err := sonic.UnmarshalString(raw, &msg); err != nil {
			return Message{Type: "undecodable", Payload: []byte(raw), raw: raw}, Permanent(fmt.Errorf("decode message: %w", err))
		}
		msg.raw = raw
		return msg, nil
	}
}

// Ack removes a handled message from the processing list
func (b *RedisBroker) Ack(ctx context.Context, msg Message) error {
	if msg.raw == "" {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processing, 1, msg.raw)
		pipe.ZRem(ctx, b.leases, msg.raw)
		return nil
	})
	return err
}

// Recover promotes due retries and requeues messages whose lease expired.
// It returns how many messages were made ready again.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	now := b.now()
	ms := strconv.FormatInt(now.UnixMilli(), 10)

	promoted, err := promoteDue.Run(ctx, b.client, []string{b.delayed, b.key}, ms).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed %s: %w", b.key, err)
	}
	lease := strconv.FormatInt(now.Add(b.visibility).UnixMilli(), 10)
	reaped, err := reapExpired.Run(ctx, b.client, []string{b.leases, b.processing, b.key}, ms, lease).Int()
	if err != nil {
		return promoted, fmt.Errorf("reap %s: %w", b.key, err)
	}
	return promoted + reaped, nil
}

// Close leaves the shared client open; its owner closes it
func (b *RedisBroker) Close() error { return nil }

var (
	_ Broker           = (*RedisBroker)(nil)
	_ Acker            = (*RedisBroker)(nil)
	_ DelayedPublisher = (*RedisBroker)(nil)
	_ Recoverer        = (*RedisBroker)(nil)
)
