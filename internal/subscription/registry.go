package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/message"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
)

// subscriptionTTL bounds how long a persisted subscription set outlives the
// last write to it.
const subscriptionTTL = time.Hour

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)

// ErrInvalidChannel is returned for channel names outside the allowed
// alphabet or length.
var ErrInvalidChannel = fmt.Errorf("invalid channel name")

// ValidateChannel checks a channel name. The wildcard "*" names the global
// channel and is always valid.
func ValidateChannel(channel string) error {
	if channel == message.GlobalChannel {
		return nil
	}
	if !channelNameRe.MatchString(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return nil
}

// Registry holds the authoritative in-memory channel↔session index and
// mirrors each session's set into the store after every mutation. Mutations
// for one session are serialized through a session-keyed lock so the
// persisted set always matches memory.
type Registry struct {
	mu         sync.RWMutex
	byChannel  map[string]map[string]struct{} // channel -> sessionIDs
	bySession  map[string]map[string]struct{} // sessionID -> channels
	sessionsMu sync.Mutex
	sessions   map[string]*sync.Mutex // per-session serialization
	store      store.Store
	logger     *logger.Logger
}

func NewRegistry(st store.Store, log *logger.Logger) *Registry {
	return &Registry{
		byChannel: make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		sessions:  make(map[string]*sync.Mutex),
		store:     st,
		logger:    log.WithComponent("subscription"),
	}
}

// sessionLock returns the lazily created mutex serializing all mutations
// for one session.
func (r *Registry) sessionLock(sessionID string) *sync.Mutex {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	l, ok := r.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.sessions[sessionID] = l
	}
	return l
}

// Subscribe adds (sessionID, channel) to the index and persists the
// session's full set. Returns true when the subscription is new.
func (r *Registry) Subscribe(ctx context.Context, sessionID, channel string) (bool, error) {
	if err := ValidateChannel(channel); err != nil {
		return false, err
	}

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if r.byChannel[channel] == nil {
		r.byChannel[channel] = make(map[string]struct{})
	}
	if _, exists := r.byChannel[channel][sessionID]; exists {
		r.mu.Unlock()
		return false, nil
	}
	r.byChannel[channel][sessionID] = struct{}{}
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][channel] = struct{}{}
	channels := r.channelsLocked(sessionID)
	r.mu.Unlock()

	if err := r.persist(ctx, sessionID, channels); err != nil {
		return true, err
	}

	r.logger.Debug("subscribed",
		slog.String("session_id", sessionID),
		slog.String("channel", channel))
	return true, nil
}

// Unsubscribe removes (sessionID, channel), dropping empty buckets and
// re-persisting the session's set. Returns true when something was removed.
func (r *Registry) Unsubscribe(ctx context.Context, sessionID, channel string) (bool, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	bucket, ok := r.byChannel[channel]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if _, exists := bucket[sessionID]; !exists {
		r.mu.Unlock()
		return false, nil
	}
	delete(bucket, sessionID)
	if len(bucket) == 0 {
		delete(r.byChannel, channel)
	}
	if set, ok := r.bySession[sessionID]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	channels := r.channelsLocked(sessionID)
	r.mu.Unlock()

	if err := r.persist(ctx, sessionID, channels); err != nil {
		return true, err
	}

	r.logger.Debug("unsubscribed",
		slog.String("session_id", sessionID),
		slog.String("channel", channel))
	return true, nil
}

// UnsubscribeAll removes every subscription for the session and deletes the
// persisted set. Used on session teardown.
func (r *Registry) UnsubscribeAll(ctx context.Context, sessionID string) ([]string, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	channels := r.channelsLocked(sessionID)
	for _, channel := range channels {
		bucket := r.byChannel[channel]
		delete(bucket, sessionID)
		if len(bucket) == 0 {
			delete(r.byChannel, channel)
		}
	}
	delete(r.bySession, sessionID)
	r.mu.Unlock()

	r.sessionsMu.Lock()
	delete(r.sessions, sessionID)
	r.sessionsMu.Unlock()

	if err := r.store.Del(ctx, store.SubscriptionsKey(sessionID)); err != nil {
		return channels, err
	}
	return channels, nil
}

// Forget drops the session from the in-memory index without touching the
// persisted set. Used when a session's last local connection detaches: the
// in-memory state is a worker-local cache, and the persisted set must
// survive for Restore on reconnect.
func (r *Registry) Forget(sessionID string) []string {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	channels := r.channelsLocked(sessionID)
	for _, channel := range channels {
		bucket := r.byChannel[channel]
		delete(bucket, sessionID)
		if len(bucket) == 0 {
			delete(r.byChannel, channel)
		}
	}
	delete(r.bySession, sessionID)
	r.mu.Unlock()

	r.sessionsMu.Lock()
	delete(r.sessions, sessionID)
	r.sessionsMu.Unlock()

	return channels
}

// Restore loads the persisted set for a session into memory. Called when
// the first connection for a session attaches on this worker.
func (r *Registry) Restore(ctx context.Context, sessionID string) ([]string, error) {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	members, err := r.store.SMembers(ctx, store.SubscriptionsKey(sessionID))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for _, channel := range members {
		if ValidateChannel(channel) != nil {
			continue
		}
		if r.byChannel[channel] == nil {
			r.byChannel[channel] = make(map[string]struct{})
		}
		r.byChannel[channel][sessionID] = struct{}{}
		if r.bySession[sessionID] == nil {
			r.bySession[sessionID] = make(map[string]struct{})
		}
		r.bySession[sessionID][channel] = struct{}{}
	}
	channels := r.channelsLocked(sessionID)
	r.mu.Unlock()

	if len(channels) > 0 {
		r.logger.Debug("restored subscriptions",
			slog.String("session_id", sessionID),
			slog.Int("channels", len(channels)))
	}
	return channels, nil
}

// Subscribers returns the sessions subscribed to a channel.
func (r *Registry) Subscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byChannel[channel]))
	for sid := range r.byChannel[channel] {
		out = append(out, sid)
	}
	return out
}

// ChannelsOf returns the channels a session is subscribed to.
func (r *Registry) ChannelsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelsLocked(sessionID)
}

// IsSubscribed reports whether the session is subscribed to the channel.
func (r *Registry) IsSubscribed(sessionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byChannel[channel][sessionID]
	return ok
}

// AllChannels lists every channel with at least one subscriber.
func (r *Registry) AllChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byChannel))
	for channel := range r.byChannel {
		out = append(out, channel)
	}
	return out
}

// Stats returns subscriber counts per channel.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[string]int, len(r.byChannel))
	for channel, bucket := range r.byChannel {
		stats[channel] = len(bucket)
	}
	return stats
}

// channelsLocked must be called with r.mu held (read or write).
func (r *Registry) channelsLocked(sessionID string) []string {
	out := make([]string, 0, len(r.bySession[sessionID]))
	for channel := range r.bySession[sessionID] {
		out = append(out, channel)
	}
	return out
}

// persist rewrites the session's persisted set to match memory exactly.
// An empty set is deleted rather than stored.
func (r *Registry) persist(ctx context.Context, sessionID string, channels []string) error {
	key := store.SubscriptionsKey(sessionID)
	if err := r.store.Del(ctx, key); err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	if err := r.store.SAdd(ctx, key, channels...); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, subscriptionTTL)
}
