package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dnewmon/broadcast-socket-sub000/internal/consumer"
	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/message"
	"github.com/dnewmon/broadcast-socket-sub000/internal/metrics"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
	"github.com/dnewmon/broadcast-socket-sub000/internal/wire"
)

const (
	// messageTTL bounds how long envelopes, counters and subscription sets
	// live in the store.
	messageTTL = time.Hour

	// pollInterval is the cadence of the poll-and-deliver tick.
	pollInterval = time.Second

	// readBatch is the per-session read budget per tick.
	readBatch = 10

	// notifySubject is the pub/sub pattern used to wake the poll loop
	// ahead of the next tick when any worker publishes.
	notifySubject = store.Prefix + "notify"

	// defaultHistoryLimit caps history lookups when the caller passes 0.
	defaultHistoryLimit = 50
)

// Connection is the engine's read-only view of one attached client.
type Connection interface {
	ID() string
	SessionID() string
	IsAlive() bool
	Send(frame []byte) error
}

// ConnectionView is the supervisor-owned lookup surface handed to the
// engine, breaking the ownership cycle between the two.
type ConnectionView interface {
	// ForEachLive visits every connection that is currently alive.
	ForEachLive(fn func(Connection))
	// LookupSession returns any alive connection for the session, or nil.
	LookupSession(sessionID string) Connection
}

// ackRecord remembers where a delivered message came from so a client ack
// can be resolved to the exact stream entry.
type ackRecord struct {
	streamKey string
	entryID   string
	at        time.Time
}

// Engine owns the publish path, the poll-and-deliver loop, the dedup cache
// and client acknowledgements.
type Engine struct {
	store     store.Store
	subs      *subscription.Registry
	consumers *consumer.Manager
	view      ConnectionView
	dedup     *dedupCache
	metrics   *metrics.Metrics
	logger    *logger.Logger

	ackMu    sync.Mutex
	acks     map[string]ackRecord // messageID -> origin entry
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	stopSub  func()

	published atomic.Int64
	delivered atomic.Int64
}

func NewEngine(st store.Store, subs *subscription.Registry, consumers *consumer.Manager, view ConnectionView, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		subs:      subs,
		consumers: consumers,
		view:      view,
		dedup:     newDedupCache(),
		metrics:   m,
		logger:    log.WithComponent("broadcast"),
		acks:      make(map[string]ackRecord),
		stop:      make(chan struct{}),
	}
}

// BroadcastToChannel publishes data to a channel: the envelope is persisted
// for history, appended to the channel's stream and counted. Failures after
// the envelope write propagate; there is no silent partial success.
func (e *Engine) BroadcastToChannel(ctx context.Context, channel string, data json.RawMessage, senderID string) (string, error) {
	if err := subscription.ValidateChannel(channel); err != nil {
		return "", err
	}

	env := message.Envelope{
		MessageID: uuid.NewString(),
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	if err := e.store.SetWithTTL(ctx, store.MessageKey(env.MessageID), raw, messageTTL); err != nil {
		return "", fmt.Errorf("persist envelope: %w", err)
	}

	if _, err := e.consumers.Publish(ctx, channel, env); err != nil {
		return "", err
	}

	if _, err := e.store.IncrWithTTL(ctx, store.TotalMessagesKey(), messageTTL); err != nil {
		return "", err
	}
	if _, err := e.store.IncrWithTTL(ctx, store.ChannelMessagesKey(channel), messageTTL); err != nil {
		return "", err
	}

	// Fire-and-forget wakeup so other workers deliver before their next
	// tick. Stream fan-out does not depend on it.
	if err := e.store.Publish(ctx, notifySubject, []byte(env.MessageID)); err != nil {
		e.logger.Debug("publish wakeup failed", slog.String("error", err.Error()))
	}

	e.published.Add(1)
	e.metrics.MessagesPublished.Inc()

	e.logger.Debug("message published",
		slog.String("message_id", env.MessageID),
		slog.String("channel", channel))
	return env.MessageID, nil
}

// Start launches the poll-and-deliver loop.
func (e *Engine) Start() error {
	wake, stopSub, err := e.store.Subscribe(notifySubject, 64)
	if err != nil {
		return fmt.Errorf("subscribe wakeup channel: %w", err)
	}
	e.stopSub = stopSub

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
			case _, ok := <-wake:
				if !ok {
					return
				}
			}
			if !e.pollOnce(context.Background()) {
				return
			}
		}
	}()

	e.logger.Info("broadcast engine started")
	return nil
}

// pollOnce runs one poll-and-deliver tick. Returns false on a terminal
// store failure (adapter closed), which stops the loop.
func (e *Engine) pollOnce(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		e.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	e.dedup.Prune()
	e.pruneAcks()

	// Each session is read at most once per tick, however many of its
	// connections are local.
	sessions := make(map[string]struct{})
	e.view.ForEachLive(func(c Connection) {
		sessions[c.SessionID()] = struct{}{}
	})

	for sid := range sessions {
		entries, err := e.consumers.ReadForSession(ctx, sid, readBatch)
		if err != nil {
			if errors.Is(err, store.ErrClosed) {
				return false
			}
			// Transient store failure: skip this iteration, keep the
			// connections up.
			e.logger.Warn("read for session failed",
				slog.String("session_id", sid),
				slog.String("error", err.Error()))
			continue
		}
		for _, entry := range entries {
			e.deliver(ctx, sid, entry)
		}
	}
	return true
}

// deliver ships one stream entry to a session, or acks it away when it is
// a duplicate, an echo, or stale stream membership.
func (e *Engine) deliver(ctx context.Context, sessionID string, entry consumer.Entry) {
	env := entry.Envelope

	// One session may see the same message on several streams (global plus
	// channel); dedup per session, not per worker.
	dedupKey := sessionID + ":" + env.MessageID
	if e.dedup.Contains(dedupKey) {
		e.ack(ctx, sessionID, entry)
		e.metrics.MessagesDeduplicated.Inc()
		return
	}
	if env.SenderID != "" && env.SenderID == sessionID {
		// Do not echo a session's own publishes back to it.
		e.ack(ctx, sessionID, entry)
		e.metrics.EntriesAutoAcked.Inc()
		return
	}
	if env.Channel != message.GlobalChannel && !e.subs.IsSubscribed(sessionID, env.Channel) {
		// Stream membership outlived the subscription.
		e.ack(ctx, sessionID, entry)
		e.metrics.EntriesAutoAcked.Inc()
		return
	}

	conn := e.view.LookupSession(sessionID)
	if conn == nil || !conn.IsAlive() {
		// No writable sink; the entry stays pending and is retried.
		return
	}

	frame, err := json.Marshal(wire.ServerMessage{
		Type:      wire.TypeMessage,
		Channel:   env.Channel,
		Data:      env.Data,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		e.logger.Error("encode message frame", slog.String("error", err.Error()))
		return
	}

	e.recordAck(env.MessageID, entry)

	if err := conn.Send(frame); err != nil {
		// Failed send: no store ack and no dedup mark, the entry retries.
		e.logger.Debug("send failed, leaving entry pending",
			slog.String("session_id", sessionID),
			slog.String("message_id", env.MessageID))
		return
	}

	e.dedup.Add(dedupKey)

	// Server-side confirmation; the store-level ack waits for the client.
	ackFrame, _ := json.Marshal(wire.ServerMessage{
		Type:      wire.TypeAck,
		MessageID: env.MessageID,
		Timestamp: time.Now().UnixMilli(),
	})
	_ = conn.Send(ackFrame)

	e.delivered.Add(1)
	e.metrics.MessagesDelivered.Inc()
}

// HandleClientAck resolves a client's acknowledgement to the stream entry
// it was delivered from and acks it in the consumer group. XACK only takes
// stream entry IDs, so acks without a local delivery record are dropped;
// the stale-entry sweep reclaims the entry instead.
func (e *Engine) HandleClientAck(ctx context.Context, sessionID, messageID string) {
	e.ackMu.Lock()
	rec, ok := e.acks[messageID]
	if ok {
		delete(e.acks, messageID)
	}
	e.ackMu.Unlock()
	if !ok {
		return
	}

	if err := e.consumers.Ack(ctx, sessionID, rec.streamKey, rec.entryID); err != nil {
		e.logger.Warn("client ack failed",
			slog.String("session_id", sessionID),
			slog.String("message_id", messageID),
			slog.String("error", err.Error()))
	}
}

// MessageHistory loads recent envelopes for a channel, newest first. The
// wildcard channel matches everything.
func (e *Engine) MessageHistory(ctx context.Context, channel string, limit int) ([]message.Envelope, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	keys, err := e.store.ScanKeys(ctx, store.MessageScanPattern)
	if err != nil {
		return nil, err
	}

	var history []message.Envelope
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var env message.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if channel != message.GlobalChannel && env.Channel != channel {
			continue
		}
		history = append(history, env)
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp > history[j].Timestamp
	})
	if len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// Counts returns (published, delivered) totals for this worker.
func (e *Engine) Counts() (int64, int64) {
	return e.published.Load(), e.delivered.Load()
}

// Stop halts the poll loop and the wakeup subscription.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()
	if e.stopSub != nil {
		e.stopSub()
	}
	e.logger.Info("broadcast engine stopped")
}

func (e *Engine) ack(ctx context.Context, sessionID string, entry consumer.Entry) {
	if err := e.consumers.Ack(ctx, sessionID, entry.StreamKey, entry.ID); err != nil {
		e.logger.Warn("ack failed",
			slog.String("session_id", sessionID),
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) recordAck(messageID string, entry consumer.Entry) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	e.acks[messageID] = ackRecord{streamKey: entry.StreamKey, entryID: entry.ID, at: time.Now()}
}

// pruneAcks drops ack records past the stream's stale-entry horizon; by
// then the entry will be auto-acked anyway.
func (e *Engine) pruneAcks() {
	cutoff := time.Now().Add(-10 * time.Minute)
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	for id, rec := range e.acks {
		if rec.at.Before(cutoff) {
			delete(e.acks, id)
		}
	}
}
