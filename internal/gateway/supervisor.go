package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dnewmon/broadcast-socket-sub000/internal/broadcast"
	"github.com/dnewmon/broadcast-socket-sub000/internal/cluster"
	"github.com/dnewmon/broadcast-socket-sub000/internal/consumer"
	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/message"
	"github.com/dnewmon/broadcast-socket-sub000/internal/metrics"
	"github.com/dnewmon/broadcast-socket-sub000/internal/ratelimit"
	"github.com/dnewmon/broadcast-socket-sub000/internal/session"
	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
	"github.com/dnewmon/broadcast-socket-sub000/internal/wire"
)

// defaultStreamName is used when the connection URL carries no streamName.
const defaultStreamName = "default"

// maxFrameSize bounds inbound client frames.
const maxFrameSize = 64 * 1024

// Supervisor owns the worker's connection table and the connection
// lifecycle: accept, command dispatch, heartbeat and disconnect.
type Supervisor struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[string]map[string]*Conn

	sessions  *session.Registry
	subs      *subscription.Registry
	consumers *consumer.Manager
	engine    *broadcast.Engine
	bridge    *cluster.Bridge
	limiter   *ratelimit.ConnectionLimiter
	metrics   *metrics.Metrics
	logger    *logger.Logger

	pingInterval     time.Duration
	heartbeatTimeout time.Duration

	upgrader websocket.Upgrader

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	accepted int64
}

type Options struct {
	Sessions         *session.Registry
	Subscriptions    *subscription.Registry
	Consumers        *consumer.Manager
	Bridge           *cluster.Bridge
	Limiter          *ratelimit.ConnectionLimiter
	Metrics          *metrics.Metrics
	Logger           *logger.Logger
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		conns:            make(map[string]*Conn),
		bySession:        make(map[string]map[string]*Conn),
		sessions:         opts.Sessions,
		subs:             opts.Subscriptions,
		consumers:        opts.Consumers,
		bridge:           opts.Bridge,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		logger:           opts.Logger.WithComponent("gateway"),
		pingInterval:     opts.PingInterval,
		heartbeatTimeout: opts.HeartbeatTimeout,
		stop:             make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 30 * time.Second
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = 2 * s.pingInterval
	}
	return s
}

// SetEngine wires the broadcast engine after construction; the engine in
// turn holds the supervisor's connection view.
func (s *Supervisor) SetEngine(e *broadcast.Engine) {
	s.engine = e
}

// Start launches the heartbeat loop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.heartbeatLoop()
}

// HandleWS upgrades an HTTP request and runs the connection until it
// closes. Blocks for the lifetime of the connection.
func (s *Supervisor) HandleWS(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	if !s.limiter.Allow(addr) {
		s.metrics.ConnectionsRejected.Inc()
		s.logger.Warn("connection rate limited", slog.String("addr", addr))
		// Complete the handshake so the close code reaches the client,
		// then close before any welcome frame.
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseRateLimited, "rate limit exceeded"), deadline)
		ws.Close()
		return
	}

	streamName := r.URL.Query().Get("streamName")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	sink := newWSSink(ws)
	conn, err := s.Accept(r.Context(), sink, streamName)
	if err != nil {
		sink.Close(wire.CloseInternal, "accept failed")
		return
	}

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	ws.SetPongHandler(func(string) error {
		conn.MarkActive()
		ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		conn.MarkActive()
		ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		s.HandleFrame(context.Background(), conn, raw)
	}

	s.Disconnect(context.Background(), conn, wire.CloseNormal)
}

// Accept runs the accept flow for a new sink: session resolution, table
// insert, welcome frame, subscription restore and consumer setup.
func (s *Supervisor) Accept(ctx context.Context, sink Sink, streamName string) (*Conn, error) {
	if streamName == "" {
		streamName = defaultStreamName
	}

	sessionID, err := s.sessions.GetOrCreate(ctx, streamName)
	if err != nil {
		s.logger.Error("session resolution failed",
			slog.String("stream_name", streamName),
			slog.String("error", err.Error()))
		return nil, err
	}

	conn := newConn(uuid.NewString(), sessionID, streamName, sink)

	s.mu.Lock()
	s.conns[conn.id] = conn
	if s.bySession[sessionID] == nil {
		s.bySession[sessionID] = make(map[string]*Conn)
	}
	s.bySession[sessionID][conn.id] = conn
	s.accepted++
	s.mu.Unlock()

	if err := s.sessions.IncConn(ctx, sessionID); err != nil {
		s.logger.Warn("conn count increment failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()

	s.sendWelcome(conn)

	restored, err := s.subs.Restore(ctx, sessionID)
	if err != nil {
		s.logger.Warn("subscription restore failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	for _, channel := range restored {
		conn.addChannel(channel)
	}

	if _, exists := s.consumers.Get(sessionID); exists {
		err = s.consumers.UpdateChannels(ctx, sessionID, s.subs.ChannelsOf(sessionID))
	} else {
		err = s.consumers.CreateConsumer(ctx, sessionID, restored)
	}
	if err != nil {
		s.logger.Warn("consumer setup failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	s.bridge.NotifyConnect(conn.id, sessionID)

	s.logger.Info("connection accepted",
		slog.String("connection_id", conn.id),
		slog.String("session_id", sessionID),
		slog.String("stream_name", streamName),
		slog.Int("restored_channels", len(restored)))
	return conn, nil
}

func (s *Supervisor) sendWelcome(conn *Conn) {
	welcome, _ := json.Marshal(wire.WelcomeData{
		Type:         "welcome",
		ConnectionID: conn.id,
		SessionID:    conn.sessionID,
		StreamName:   conn.streamName,
		ServerTime:   time.Now().UnixMilli(),
	})
	frame, _ := json.Marshal(wire.ServerMessage{
		Type:      wire.TypeMessage,
		Data:      welcome,
		Timestamp: time.Now().UnixMilli(),
	})
	if err := conn.Send(frame); err != nil {
		s.logger.Warn("welcome frame failed", slog.String("connection_id", conn.id))
	}
}

// HandleFrame dispatches one inbound client frame.
func (s *Supervisor) HandleFrame(ctx context.Context, conn *Conn, raw []byte) {
	var msg wire.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(conn, "invalid JSON")
		return
	}

	switch msg.Type {
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, conn, msg)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(ctx, conn, msg)
	case wire.TypeBroadcast:
		s.handleBroadcast(ctx, conn, msg)
	case wire.TypeAck:
		s.engine.HandleClientAck(ctx, conn.sessionID, msg.MessageID)
	case wire.TypePing:
		// Heartbeat answer; MarkActive already ran in the read loop.
	default:
		s.sendError(conn, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Supervisor) handleSubscribe(ctx context.Context, conn *Conn, msg wire.ClientMessage) {
	if msg.Channel == "" {
		s.sendError(conn, "subscribe requires a channel")
		return
	}
	if _, err := s.subs.Subscribe(ctx, conn.sessionID, msg.Channel); err != nil {
		s.sendError(conn, err.Error())
		return
	}
	conn.addChannel(msg.Channel)

	if err := s.consumers.UpdateChannels(ctx, conn.sessionID, s.subs.ChannelsOf(conn.sessionID)); err != nil {
		s.logger.Warn("consumer update failed",
			slog.String("session_id", conn.sessionID),
			slog.String("error", err.Error()))
	}

	s.sendAck(conn, msg.MessageID, nil)
}

func (s *Supervisor) handleUnsubscribe(ctx context.Context, conn *Conn, msg wire.ClientMessage) {
	if msg.Channel == "" {
		s.sendError(conn, "unsubscribe requires a channel")
		return
	}
	if _, err := s.subs.Unsubscribe(ctx, conn.sessionID, msg.Channel); err != nil {
		s.sendError(conn, err.Error())
		return
	}
	conn.removeChannel(msg.Channel)
	s.sendAck(conn, msg.MessageID, nil)
}

func (s *Supervisor) handleBroadcast(ctx context.Context, conn *Conn, msg wire.ClientMessage) {
	channel := msg.Channel
	if channel == "" {
		channel = message.GlobalChannel
	}
	if len(msg.Data) == 0 {
		s.sendError(conn, "broadcast requires data")
		return
	}

	messageID, err := s.engine.BroadcastToChannel(ctx, channel, msg.Data, conn.sessionID)
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}

	s.bridge.NotifyBroadcast(messageID, channel)
	s.sendAck(conn, msg.MessageID, &wire.AckData{BroadcastMessageID: messageID})
}

func (s *Supervisor) sendAck(conn *Conn, messageID string, data *wire.AckData) {
	frame := wire.ServerMessage{
		Type:      wire.TypeAck,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, _ := json.Marshal(data)
		frame.Data = raw
	}
	payload, _ := json.Marshal(frame)
	_ = conn.Send(payload)
}

func (s *Supervisor) sendError(conn *Conn, errMsg string) {
	data, _ := json.Marshal(wire.ErrorData{Error: errMsg})
	frame, _ := json.Marshal(wire.ServerMessage{
		Type:      wire.TypeError,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	_ = conn.Send(frame)
}

// Disconnect tears one connection down. The session's in-memory
// subscriptions and consumer are released only when this was its last
// connection on this worker; the persisted set stays for reconnects.
func (s *Supervisor) Disconnect(ctx context.Context, conn *Conn, code int) {
	s.mu.Lock()
	if _, present := s.conns[conn.id]; !present {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.id)
	sessionConns := s.bySession[conn.sessionID]
	delete(sessionConns, conn.id)
	lastLocal := len(sessionConns) == 0
	if lastLocal {
		delete(s.bySession, conn.sessionID)
	}
	s.mu.Unlock()

	conn.sink.Close(code, "")
	s.metrics.ConnectionsActive.Dec()

	if lastLocal {
		s.subs.Forget(conn.sessionID)
		if err := s.consumers.DestroyConsumer(ctx, conn.sessionID); err != nil {
			s.logger.Warn("consumer teardown failed",
				slog.String("session_id", conn.sessionID),
				slog.String("error", err.Error()))
		}
	}

	if err := s.sessions.DecConn(ctx, conn.sessionID); err != nil {
		s.logger.Warn("conn count decrement failed",
			slog.String("session_id", conn.sessionID),
			slog.String("error", err.Error()))
	}

	s.bridge.NotifyDisconnect(conn.id, conn.sessionID)

	s.logger.Info("connection closed",
		slog.String("connection_id", conn.id),
		slog.String("session_id", conn.sessionID),
		slog.Int("code", code))
}

// heartbeatLoop pings every live connection each interval and reaps the
// ones that never answered the previous ping.
func (s *Supervisor) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.heartbeatTick()
		}
	}
}

func (s *Supervisor) heartbeatTick() {
	for _, conn := range s.snapshot() {
		if !conn.expireHeartbeat() {
			s.logger.Debug("heartbeat timeout",
				slog.String("connection_id", conn.id))
			s.Disconnect(context.Background(), conn, wire.CloseNormal)
			continue
		}
		if ws, ok := conn.sink.(*wsSink); ok {
			if err := ws.ping(); err != nil {
				conn.markDead()
				continue
			}
		}
		frame, _ := json.Marshal(wire.ServerMessage{
			Type:      wire.TypePing,
			Timestamp: time.Now().UnixMilli(),
		})
		_ = conn.Send(frame)
	}
}

func (s *Supervisor) snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

// ForEachLive implements broadcast.ConnectionView.
func (s *Supervisor) ForEachLive(fn func(broadcast.Connection)) {
	for _, conn := range s.snapshot() {
		if conn.IsAlive() {
			fn(conn)
		}
	}
}

// LookupSession implements broadcast.ConnectionView: any alive connection
// for the session, or nil.
func (s *Supervisor) LookupSession(sessionID string) broadcast.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.bySession[sessionID] {
		if conn.IsAlive() {
			return conn
		}
	}
	return nil
}

// Counts returns (active, accepted-total) connection counts.
func (s *Supervisor) Counts() (int, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns), s.accepted
}

// Shutdown stops the heartbeat and closes every connection with the
// going-away code.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()

	for _, conn := range s.snapshot() {
		s.Disconnect(ctx, conn, wire.CloseGoingAway)
	}
	s.logger.Info("supervisor shut down")
}

// remoteAddr extracts the client address, honoring the usual proxy header.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
