package store

import (
	"context"
	"time"
)

// StreamEntry is one entry read from a store stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// StreamResult groups the entries returned for one stream key.
type StreamResult struct {
	Stream  string
	Entries []StreamEntry
}

// PendingInfo describes one delivered-but-unacked entry in a consumer
// group's pending list.
type PendingInfo struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// PubSubMessage is one message received on a pub/sub subscription.
type PubSubMessage struct {
	Channel string
	Pattern string
	Payload []byte
}

// Store is the typed adapter over the shared store. Every operation reports
// a typed failure and never retries internally; the caller decides whether
// to retry. Implementations: Adapter (Redis) and storetest.Fake.
type Store interface {
	// Key/value with TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrWithTTL increments a counter; the TTL is applied only on the
	// first write (when the new value is 1).
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Hashes.
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// ScanKeys returns all keys matching the glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Pub/sub. Publish is fire-and-forget fan-out. Subscribe delivers into
	// a bounded channel; messages are dropped when the consumer lags so the
	// store I/O goroutine never re-enters application code.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(pattern string, buffer int) (<-chan PubSubMessage, func(), error)

	// Streams.
	XAdd(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error)
	XGroupCreate(ctx context.Context, stream, group, startID string) error
	XGroupDestroy(ctx context.Context, stream, group string) error
	XReadGroup(ctx context.Context, group, consumer string, streams []string, id string, count int64, block time.Duration) ([]StreamResult, error)
	XPending(ctx context.Context, stream, group string) (int64, error)
	XPendingList(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamEntry, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XTrimMinID(ctx context.Context, stream, minID string) error

	Close() error
}
