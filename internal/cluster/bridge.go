// Package cluster carries informational control messages between gateway
// workers. Broadcast fan-out never depends on it; the store's streams
// already reach every worker. The bridge surfaces cluster health and leaves
// room for future cross-worker control traffic.
package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
)

// controlSubject is the shared subject all workers publish and listen on.
const controlSubject = "sockets.cluster.control"

// Control message types.
const (
	TypePing             = "ping"
	TypeBroadcast        = "broadcast"
	TypeClientConnect    = "client-connect"
	TypeClientDisconnect = "client-disconnect"
)

// ControlMessage is the envelope exchanged between workers.
type ControlMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	WorkerID  string          `json:"workerId"`
	Timestamp int64           `json:"timestamp"`
}

// Bridge publishes this worker's control events and tracks the latest ping
// seen from every other worker.
type Bridge struct {
	nc       *nats.Conn
	workerID string
	logger   *logger.Logger

	sub *nats.Subscription

	mu    sync.RWMutex
	pings map[string]ControlMessage // workerID -> latest ping
}

// NewBridge creates the bridge. A nil NATS connection disables it; every
// method on a nil *Bridge is a no-op so callers need no guards.
func NewBridge(nc *nats.Conn, workerID string, log *logger.Logger) *Bridge {
	if nc == nil {
		return nil
	}
	return &Bridge{
		nc:       nc,
		workerID: workerID,
		logger:   log.WithComponent("cluster"),
		pings:    make(map[string]ControlMessage),
	}
}

// Start subscribes to the control subject.
func (b *Bridge) Start() error {
	if b == nil {
		return nil
	}
	sub, err := b.nc.Subscribe(controlSubject, b.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", controlSubject, err)
	}
	b.sub = sub
	b.logger.Info("cluster bridge started",
		slog.String("subject", controlSubject),
		slog.String("worker_id", b.workerID))
	return nil
}

// Stop drains the subscription.
func (b *Bridge) Stop() error {
	if b == nil {
		return nil
	}
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			return fmt.Errorf("drain subscription: %w", err)
		}
	}
	b.logger.Info("cluster bridge stopped")
	return nil
}

func (b *Bridge) handleControl(msg *nats.Msg) {
	var cm ControlMessage
	if err := json.Unmarshal(msg.Data, &cm); err != nil {
		b.logger.Warn("bad control message", slog.String("error", err.Error()))
		return
	}
	if cm.WorkerID == b.workerID {
		return
	}
	b.observe(cm)
}

// observe records a remote worker's control message.
func (b *Bridge) observe(cm ControlMessage) {
	switch cm.Type {
	case TypePing:
		b.mu.Lock()
		b.pings[cm.WorkerID] = cm
		b.mu.Unlock()
	case TypeBroadcast, TypeClientConnect, TypeClientDisconnect:
		b.logger.Debug("cluster event",
			slog.String("type", cm.Type),
			slog.String("worker_id", cm.WorkerID))
	default:
		b.logger.Debug("unknown cluster event", slog.String("type", cm.Type))
	}
}

// publish sends one control message. Failures are logged, never fatal; the
// bridge is informational.
func (b *Bridge) publish(msgType string, data interface{}) {
	if b == nil {
		return
	}
	cm := ControlMessage{
		Type:      msgType,
		WorkerID:  b.workerID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			b.logger.Warn("encode control data", slog.String("error", err.Error()))
			return
		}
		cm.Data = raw
	}
	payload, err := json.Marshal(cm)
	if err != nil {
		b.logger.Warn("encode control message", slog.String("error", err.Error()))
		return
	}
	if err := b.nc.Publish(controlSubject, payload); err != nil {
		b.logger.Warn("publish control message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
	}
}

// Ping announces this worker's liveness with an arbitrary payload.
func (b *Bridge) Ping(data interface{}) {
	b.publish(TypePing, data)
}

// NotifyBroadcast announces a local publish to the other workers.
func (b *Bridge) NotifyBroadcast(messageID, channel string) {
	b.publish(TypeBroadcast, map[string]string{
		"messageId": messageID,
		"channel":   channel,
	})
}

// NotifyConnect announces an accepted connection.
func (b *Bridge) NotifyConnect(connectionID, sessionID string) {
	b.publish(TypeClientConnect, map[string]string{
		"connectionId": connectionID,
		"sessionId":    sessionID,
	})
}

// NotifyDisconnect announces a closed connection.
func (b *Bridge) NotifyDisconnect(connectionID, sessionID string) {
	b.publish(TypeClientDisconnect, map[string]string{
		"connectionId": connectionID,
		"sessionId":    sessionID,
	})
}

// WorkerPings returns the latest ping per remote worker.
func (b *Bridge) WorkerPings() map[string]ControlMessage {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]ControlMessage, len(b.pings))
	for id, cm := range b.pings {
		out[id] = cm
	}
	return out
}
