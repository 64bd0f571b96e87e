package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
)

// Adapter implements Store on Redis. Three logical connections are held so
// blocking subscribes never starve commands: one for commands, one for
// publishes, one dedicated to pub/sub subscriptions.
type Adapter struct {
	cmd    *redis.Client
	pub    *redis.Client
	sub    *redis.Client
	logger *logger.Logger
}

var _ Store = (*Adapter)(nil)

// NewAdapter parses the store URL, opens the three connections and pings
// the server on the command connection.
func NewAdapter(ctx context.Context, url string, log *logger.Logger) (*Adapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	a := &Adapter{
		cmd:    redis.NewClient(opts),
		pub:    redis.NewClient(opts),
		sub:    redis.NewClient(opts),
		logger: log.WithComponent("store"),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.cmd.Ping(pingCtx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis ping: %w", wrapErr(err))
	}

	a.logger.Info("connected to store", slog.String("addr", opts.Addr))
	return a, nil
}

// wrapErr maps driver errors onto the adapter's typed failures.
func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.ErrClosed), errors.Is(err, context.Canceled):
		return ErrClosed
	case strings.HasPrefix(err.Error(), "BUSYGROUP"):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (a *Adapter) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapErr(a.cmd.Set(ctx, key, value, ttl).Err())
}

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.cmd.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	return val, nil
}

func (a *Adapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(a.cmd.Del(ctx, keys...).Err())
}

func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(a.cmd.Expire(ctx, key, ttl).Err())
}

func (a *Adapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := a.cmd.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	if val == 1 {
		if err := a.cmd.Expire(ctx, key, ttl).Err(); err != nil {
			return val, wrapErr(err)
		}
	}
	return val, nil
}

func (a *Adapter) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(a.cmd.SAdd(ctx, key, args...).Err())
}

func (a *Adapter) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := a.cmd.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return members, nil
}

func (a *Adapter) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return wrapErr(a.cmd.HSet(ctx, key, fields).Err())
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := a.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(fields) == 0 {
		// HGETALL returns an empty map for missing keys.
		return nil, ErrNotFound
	}
	return fields, nil
}

func (a *Adapter) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := a.cmd.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return val, nil
}

func (a *Adapter) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := a.cmd.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr(a.pub.Publish(ctx, channel, payload).Err())
}

func (a *Adapter) Subscribe(pattern string, buffer int) (<-chan PubSubMessage, func(), error) {
	var ps *redis.PubSub
	if strings.Contains(pattern, "*") {
		ps = a.sub.PSubscribe(context.Background(), pattern)
	} else {
		ps = a.sub.Subscribe(context.Background(), pattern)
	}

	out := make(chan PubSubMessage, buffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				m := PubSubMessage{
					Channel: msg.Channel,
					Pattern: msg.Pattern,
					Payload: []byte(msg.Payload),
				}
				select {
				case out <- m:
				default:
					// Consumer lagging; drop rather than block store I/O.
				}
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		_ = ps.Close()
	}
	return out, stop, nil
}

func (a *Adapter) XAdd(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := a.cmd.XAdd(ctx, args).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return id, nil
}

func (a *Adapter) XGroupCreate(ctx context.Context, stream, group, startID string) error {
	return wrapErr(a.cmd.XGroupCreateMkStream(ctx, stream, group, startID).Err())
}

func (a *Adapter) XGroupDestroy(ctx context.Context, stream, group string) error {
	return wrapErr(a.cmd.XGroupDestroy(ctx, stream, group).Err())
}

func (a *Adapter) XReadGroup(ctx context.Context, group, consumer string, streams []string, id string, count int64, block time.Duration) ([]StreamResult, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, id)
	}
	readArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}
	if block <= 0 {
		readArgs.Block = -1
	}
	res, err := a.cmd.XReadGroup(ctx, readArgs).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block expired with nothing to read.
			return nil, nil
		}
		return nil, wrapErr(err)
	}

	results := make([]StreamResult, 0, len(res))
	for _, stream := range res {
		sr := StreamResult{Stream: stream.Stream}
		for _, m := range stream.Messages {
			sr.Entries = append(sr.Entries, toEntry(m))
		}
		results = append(results, sr)
	}
	return results, nil
}

func (a *Adapter) XPending(ctx context.Context, stream, group string) (int64, error) {
	pending, err := a.cmd.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapErr(err)
	}
	return pending.Count, nil
}

func (a *Adapter) XPendingList(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error) {
	ext, err := a.cmd.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	infos := make([]PendingInfo, 0, len(ext))
	for _, p := range ext {
		infos = append(infos, PendingInfo{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle})
	}
	return infos, nil
}

func (a *Adapter) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return wrapErr(a.cmd.XAck(ctx, stream, group, ids...).Err())
}

func (a *Adapter) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamEntry, error) {
	msgs, err := a.cmd.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

func (a *Adapter) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := a.cmd.XLen(ctx, stream).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

func (a *Adapter) XTrimMinID(ctx context.Context, stream, minID string) error {
	return wrapErr(a.cmd.XTrimMinID(ctx, stream, minID).Err())
}

// Close tears down all three connections. In-flight blocking reads fail
// with ErrClosed, which the poll loop treats as a stop signal.
func (a *Adapter) Close() error {
	var firstErr error
	for _, c := range []*redis.Client{a.sub, a.pub, a.cmd} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func toEntry(m redis.XMessage) StreamEntry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return StreamEntry{ID: m.ID, Fields: fields}
}
