package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/message"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
)

const (
	// streamTTL bounds how long a stream outlives its last publish.
	streamTTL = time.Hour

	// streamMaxLen is the approximate length bound applied on every add.
	streamMaxLen = 20

	// staleEntryAge is the point past which an entry is auto-acked instead
	// of delivered. The trim sweep uses the same cutoff.
	staleEntryAge = 10 * time.Minute

	// pendingPerStreamCap caps how many pending entries one read drains
	// from each stream before new entries are considered.
	pendingPerStreamCap = 5

	// readBlock is how long a group read blocks waiting for new entries.
	readBlock = time.Second

	// claimMinIdle is how long an entry must sit unacked in another
	// worker's consumer before this worker claims it.
	claimMinIdle = 30 * time.Second
)

// Consumer is the per-session consumer-group record. The group is shared
// across workers by name; each worker names its own consumer within it so
// unacked entries can be claimed if a worker dies.
type Consumer struct {
	SessionID    string
	WorkerID     string
	GroupName    string
	ConsumerName string
	StreamKeys   []string
	IsActive     bool
}

// Entry is one stream entry resolved to its envelope, ready for delivery.
type Entry struct {
	StreamKey string
	ID        string
	Envelope  message.Envelope
}

// Manager owns the per-session consumers reading from a variable set of
// store streams.
type Manager struct {
	mu        sync.Mutex
	consumers map[string]*Consumer
	store     store.Store
	workerID  string
	logger    *logger.Logger
}

func NewManager(st store.Store, workerID string, log *logger.Logger) *Manager {
	return &Manager{
		consumers: make(map[string]*Consumer),
		store:     st,
		workerID:  workerID,
		logger:    log.WithComponent("consumer"),
	}
}

func groupName(sessionID string) string {
	return "client:" + sessionID
}

func (m *Manager) consumerName(sessionID string) string {
	return fmt.Sprintf("worker:%s:client:%s", m.workerID, sessionID)
}

// streamKeysFor computes the stream set for a channel list: the global
// stream plus one stream per non-wildcard channel.
func streamKeysFor(channels []string) []string {
	keys := []string{store.GlobalStreamKey()}
	seen := map[string]struct{}{store.GlobalStreamKey(): {}}
	for _, channel := range channels {
		if channel == message.GlobalChannel {
			continue
		}
		key := store.ChannelStreamKey(channel)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// CreateConsumer sets up the session's consumer group on every stream it
// should read, starting at id 0 so historical pending entries stay visible.
// Creating a group that already exists is success.
func (m *Manager) CreateConsumer(ctx context.Context, sessionID string, channels []string) error {
	keys := streamKeysFor(channels)
	group := groupName(sessionID)
	for _, key := range keys {
		if err := m.store.XGroupCreate(ctx, key, group, "0"); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("create group %s on %s: %w", group, key, err)
		}
	}

	m.mu.Lock()
	m.consumers[sessionID] = &Consumer{
		SessionID:    sessionID,
		WorkerID:     m.workerID,
		GroupName:    group,
		ConsumerName: m.consumerName(sessionID),
		StreamKeys:   keys,
		IsActive:     true,
	}
	m.mu.Unlock()

	m.logger.Debug("consumer created",
		slog.String("session_id", sessionID),
		slog.Int("streams", len(keys)))
	return nil
}

// UpdateChannels diffs the session's stream set against the new channel
// list. Groups are created on newly added streams; removed streams are
// retained until teardown so their pending entries drain through the
// normal read path.
func (m *Manager) UpdateChannels(ctx context.Context, sessionID string, channels []string) error {
	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	if !ok {
		m.mu.Unlock()
		return m.CreateConsumer(ctx, sessionID, channels)
	}
	current := make(map[string]struct{}, len(c.StreamKeys))
	for _, key := range c.StreamKeys {
		current[key] = struct{}{}
	}
	var added []string
	for _, key := range streamKeysFor(channels) {
		if _, exists := current[key]; !exists {
			added = append(added, key)
		}
	}
	group := c.GroupName
	m.mu.Unlock()

	for _, key := range added {
		if err := m.store.XGroupCreate(ctx, key, group, "0"); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("create group %s on %s: %w", group, key, err)
		}
	}

	if len(added) > 0 {
		m.mu.Lock()
		if c, ok := m.consumers[sessionID]; ok {
			c.StreamKeys = append(c.StreamKeys, added...)
		}
		m.mu.Unlock()
	}
	return nil
}

// DestroyConsumer tears the session's groups down on every stream and
// forgets the record.
func (m *Manager) DestroyConsumer(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.consumers[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	c.IsActive = false
	keys := append([]string(nil), c.StreamKeys...)
	group := c.GroupName
	delete(m.consumers, sessionID)
	m.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := m.store.XGroupDestroy(ctx, key, group); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.logger.Debug("consumer destroyed", slog.String("session_id", sessionID))
	return firstErr
}

// Get returns a copy of the session's consumer record.
func (m *Manager) Get(sessionID string) (Consumer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[sessionID]
	if !ok {
		return Consumer{}, false
	}
	cp := *c
	cp.StreamKeys = append([]string(nil), c.StreamKeys...)
	return cp, true
}

// Publish appends the envelope to the channel's stream with the approximate
// length bound and refreshes the stream TTL. Returns the new entry ID.
func (m *Manager) Publish(ctx context.Context, channel string, env message.Envelope) (string, error) {
	key := store.GlobalStreamKey()
	if channel != message.GlobalChannel {
		key = store.ChannelStreamKey(channel)
	}
	id, err := m.store.XAdd(ctx, key, env.Fields(), streamMaxLen)
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", key, err)
	}
	if err := m.store.Expire(ctx, key, streamTTL); err != nil {
		return id, err
	}
	return id, nil
}

// ReadForSession reads up to maxCount entries for the session: pending
// first (capped per stream), then abandoned entries claimed from dead
// workers, then new entries with a blocking group read. Entries older than
// staleEntryAge are auto-acked and dropped. Entry order follows stream-key
// order, oldest first within each stream.
func (m *Manager) ReadForSession(ctx context.Context, sessionID string, maxCount int) ([]Entry, error) {
	c, ok := m.Get(sessionID)
	if !ok || !c.IsActive {
		return nil, nil
	}

	var entries []Entry

	// Delivered-but-unacked entries for this worker's consumer.
	pending, err := m.store.XReadGroup(ctx, c.GroupName, c.ConsumerName, c.StreamKeys, "0", pendingPerStreamCap, 0)
	if err != nil {
		return nil, err
	}
	entries = m.collect(ctx, c, entries, pending, maxCount)

	// Entries stuck in another worker's pending list.
	if len(entries) < maxCount {
		claimed, err := m.claimAbandoned(ctx, c, maxCount-len(entries))
		if err != nil {
			m.logger.Warn("claim of abandoned entries failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		} else {
			entries = append(entries, claimed...)
		}
	}

	// New entries.
	if remaining := maxCount - len(entries); remaining > 0 {
		perStream := (remaining + len(c.StreamKeys) - 1) / len(c.StreamKeys)
		fresh, err := m.store.XReadGroup(ctx, c.GroupName, c.ConsumerName, c.StreamKeys, ">", int64(perStream), readBlock)
		if err != nil {
			return entries, err
		}
		entries = m.collect(ctx, c, entries, fresh, maxCount)
	}

	return entries, nil
}

// collect parses read results into entries, auto-acking stale or
// unparseable ones, up to maxCount total.
func (m *Manager) collect(ctx context.Context, c Consumer, entries []Entry, results []store.StreamResult, maxCount int) []Entry {
	cutoff := time.Now().Add(-staleEntryAge)
	for _, result := range results {
		for _, raw := range result.Entries {
			if len(entries) >= maxCount {
				return entries
			}
			if at, err := message.EntryTime(raw.ID); err == nil && at.Before(cutoff) {
				m.ackQuietly(ctx, c, result.Stream, raw.ID)
				continue
			}
			env, err := message.FromFields(raw.Fields)
			if err != nil {
				m.logger.Warn("dropping unparseable stream entry",
					slog.String("stream", result.Stream),
					slog.String("entry_id", raw.ID),
					slog.String("error", err.Error()))
				m.ackQuietly(ctx, c, result.Stream, raw.ID)
				continue
			}
			entries = append(entries, Entry{StreamKey: result.Stream, ID: raw.ID, Envelope: env})
		}
	}
	return entries
}

// claimAbandoned pulls entries that another worker read but never acked,
// once they have idled past claimMinIdle.
func (m *Manager) claimAbandoned(ctx context.Context, c Consumer, budget int) ([]Entry, error) {
	var entries []Entry
	for _, key := range c.StreamKeys {
		if len(entries) >= budget {
			break
		}
		infos, err := m.store.XPendingList(ctx, key, c.GroupName, int64(budget))
		if err != nil {
			return entries, err
		}
		var ids []string
		for _, info := range infos {
			if info.Consumer != c.ConsumerName && info.Idle >= claimMinIdle {
				ids = append(ids, info.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		claimed, err := m.store.XClaim(ctx, key, c.GroupName, c.ConsumerName, claimMinIdle, ids)
		if err != nil {
			return entries, err
		}
		entries = m.collect(ctx, c, entries, []store.StreamResult{{Stream: key, Entries: claimed}}, budget)
	}
	return entries, nil
}

// Ack acknowledges one entry. Missing consumer records are a silent no-op;
// the session may already be torn down.
func (m *Manager) Ack(ctx context.Context, sessionID, streamKey, entryID string) error {
	c, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	return m.store.XAck(ctx, streamKey, c.GroupName, entryID)
}

func (m *Manager) ackQuietly(ctx context.Context, c Consumer, streamKey, entryID string) {
	if err := m.store.XAck(ctx, streamKey, c.GroupName, entryID); err != nil {
		m.logger.Warn("auto-ack failed",
			slog.String("stream", streamKey),
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()))
	}
}

// TrimStaleEntries trims every data stream down to entries younger than
// staleEntryAge. Scheduled every 5 minutes.
func (m *Manager) TrimStaleEntries(ctx context.Context) {
	minID := fmt.Sprintf("%d-0", time.Now().Add(-staleEntryAge).UnixMilli())

	keys, err := m.store.ScanKeys(ctx, store.ChannelStreamScanPattern)
	if err != nil {
		m.logger.Warn("stream scan failed", slog.String("error", err.Error()))
		return
	}
	keys = append(keys, store.GlobalStreamKey())

	trimmed := 0
	for _, key := range keys {
		if err := m.store.XTrimMinID(ctx, key, minID); err != nil {
			m.logger.Warn("stream trim failed",
				slog.String("stream", key),
				slog.String("error", err.Error()))
			continue
		}
		trimmed++
	}
	m.logger.Debug("trimmed streams", slog.Int("streams", trimmed), slog.String("min_id", minID))
}

// ActiveSessions returns the session IDs with a live consumer.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.consumers))
	for sid := range m.consumers {
		out = append(out, sid)
	}
	return out
}

// Shutdown destroys every consumer.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sid := range m.ActiveSessions() {
		if err := m.DestroyConsumer(ctx, sid); err != nil {
			m.logger.Warn("destroy consumer on shutdown failed",
				slog.String("session_id", sid),
				slog.String("error", err.Error()))
		}
	}
}
