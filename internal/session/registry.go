package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
)

const (
	// sessionTTL is how long a session survives without activity.
	sessionTTL = 24 * time.Hour

	// zeroConnGrace is how long a session with no attached connections is
	// kept before the sweep removes it, so quick reconnects keep their
	// identity.
	zeroConnGrace = 5 * time.Minute
)

// Session is the stable identity behind a streamName. Many connections may
// share one session; it survives reconnects until it goes stale.
type Session struct {
	SessionID         string
	StreamName        string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ActiveConnections int
}

// Registry persists sessions in the store: a hash per session plus a
// streamName reverse index, both with a 24 h TTL.
type Registry struct {
	store  store.Store
	logger *logger.Logger
}

func NewRegistry(st store.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: log.WithComponent("session"),
	}
}

// GetOrCreate resolves streamName to its sessionId, minting a new session
// when none exists. A reverse index pointing at a missing session hash is
// treated as dangling and repaired.
func (r *Registry) GetOrCreate(ctx context.Context, streamName string) (string, error) {
	nameKey := store.StreamNameKey(streamName)

	raw, err := r.store.Get(ctx, nameKey)
	if err == nil {
		sessionID := string(raw)
		if _, err := r.store.HGetAll(ctx, store.SessionKey(sessionID)); err == nil {
			if err := r.Touch(ctx, sessionID); err != nil {
				return "", err
			}
			if err := r.store.Expire(ctx, nameKey, sessionTTL); err != nil {
				return "", err
			}
			return sessionID, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		// Dangling reverse index; remove it and mint a fresh session.
		if err := r.store.Del(ctx, nameKey); err != nil {
			return "", err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	sessionID := uuid.NewString()
	now := time.Now()
	fields := map[string]interface{}{
		"session_id":         sessionID,
		"stream_name":        streamName,
		"created_at":         now.UnixMilli(),
		"last_activity":      now.UnixMilli(),
		"active_connections": 0,
	}
	sessionKey := store.SessionKey(sessionID)
	if err := r.store.HSet(ctx, sessionKey, fields); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := r.store.Expire(ctx, sessionKey, sessionTTL); err != nil {
		return "", err
	}
	if err := r.store.SetWithTTL(ctx, nameKey, []byte(sessionID), sessionTTL); err != nil {
		return "", fmt.Errorf("write stream name index: %w", err)
	}

	r.logger.Info("session created",
		slog.String("session_id", sessionID),
		slog.String("stream_name", streamName))
	return sessionID, nil
}

// Touch refreshes last activity and the session TTL.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	key := store.SessionKey(sessionID)
	if err := r.store.HSet(ctx, key, map[string]interface{}{
		"last_activity": time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	return r.store.Expire(ctx, key, sessionTTL)
}

// IncConn atomically increments the session's connection count.
func (r *Registry) IncConn(ctx context.Context, sessionID string) error {
	_, err := r.store.HIncrBy(ctx, store.SessionKey(sessionID), "active_connections", 1)
	return err
}

// DecConn atomically decrements the session's connection count, clamping
// negative values back to zero. Last activity is refreshed so the
// zero-connection grace window starts at disconnect, not at the last
// Touch while the connection was up.
func (r *Registry) DecConn(ctx context.Context, sessionID string) error {
	key := store.SessionKey(sessionID)
	val, err := r.store.HIncrBy(ctx, key, "active_connections", -1)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"last_activity": time.Now().UnixMilli(),
	}
	if val < 0 {
		fields["active_connections"] = 0
	}
	return r.store.HSet(ctx, key, fields)
}

// Get loads a session. Store failures degrade to not-found.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, bool) {
	fields, err := r.store.HGetAll(ctx, store.SessionKey(sessionID))
	if err != nil {
		return nil, false
	}
	return parseSession(fields), true
}

// ListAll scans every persisted session. Store failures degrade to an
// empty list.
func (r *Registry) ListAll(ctx context.Context) []*Session {
	keys, err := r.store.ScanKeys(ctx, store.SessionScanPattern)
	if err != nil {
		r.logger.Warn("session scan failed", slog.String("error", err.Error()))
		return nil
	}
	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		sessions = append(sessions, parseSession(fields))
	}
	return sessions
}

// CleanupStale removes sessions inactive past the TTL, or idle with zero
// connections past the grace window. Returns the number removed. Scheduled
// every 30 minutes.
func (r *Registry) CleanupStale(ctx context.Context) int {
	cleaned := 0
	now := time.Now()
	for _, s := range r.ListAll(ctx) {
		stale := now.Sub(s.LastActivityAt) > sessionTTL
		idle := s.ActiveConnections == 0 && now.Sub(s.LastActivityAt) > zeroConnGrace
		if !stale && !idle {
			continue
		}
		keys := []string{store.SessionKey(s.SessionID)}
		if s.StreamName != "" {
			keys = append(keys, store.StreamNameKey(s.StreamName))
		}
		if err := r.store.Del(ctx, keys...); err != nil {
			r.logger.Warn("failed to delete stale session",
				slog.String("session_id", s.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		r.logger.Info("cleaned up stale sessions", slog.Int("cleaned", cleaned))
	}
	return cleaned
}

func parseSession(fields map[string]string) *Session {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	lastActivity, _ := strconv.ParseInt(fields["last_activity"], 10, 64)
	conns, _ := strconv.Atoi(fields["active_connections"])
	if conns < 0 {
		conns = 0
	}
	return &Session{
		SessionID:         fields["session_id"],
		StreamName:        fields["stream_name"],
		CreatedAt:         time.UnixMilli(createdAt),
		LastActivityAt:    time.UnixMilli(lastActivity),
		ActiveConnections: conns,
	}
}
