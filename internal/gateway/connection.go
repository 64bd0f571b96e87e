package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSinkClosed is returned by Send after the sink has shut down.
var ErrSinkClosed = errors.New("gateway: sink closed")

// Sink is the transport seen by the core: a framed duplex byte sink. The
// production implementation wraps a gorilla/websocket connection; tests
// substitute an in-memory recorder.
type Sink interface {
	Send(frame []byte) error
	Close(code int, reason string) error
	Ready() bool
}

// Conn is one attached client connection. Many connections may share a
// session; the connection itself is ephemeral and worker-local.
type Conn struct {
	id         string
	sessionID  string
	streamName string
	sink       Sink

	mu         sync.Mutex
	alive      bool
	lastPingAt time.Time
	channels   map[string]struct{} // local cache of subscribed channels
}

func newConn(id, sessionID, streamName string, sink Sink) *Conn {
	return &Conn{
		id:         id,
		sessionID:  sessionID,
		streamName: streamName,
		sink:       sink,
		alive:      true,
		lastPingAt: time.Now(),
		channels:   make(map[string]struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) SessionID() string  { return c.sessionID }
func (c *Conn) StreamName() string { return c.streamName }

// IsAlive reports whether the connection answered the last heartbeat and
// its sink is still writable.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.sink.Ready()
}

// MarkActive records inbound traffic; any frame from the client counts as
// a heartbeat answer.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	c.lastPingAt = time.Now()
}

// expireHeartbeat flips alive off; the next inbound frame flips it back.
// Returns the previous state.
func (c *Conn) expireHeartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Conn) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

// Send forwards a frame to the sink.
func (c *Conn) Send(frame []byte) error {
	err := c.sink.Send(frame)
	if err != nil {
		c.markDead()
	}
	return err
}

func (c *Conn) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Conn) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// Channels returns the connection's local subscription cache.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		out = append(out, channel)
	}
	return out
}

// wsSink adapts a gorilla/websocket connection to the Sink interface. All
// writes go through a buffered pump goroutine so concurrent senders never
// interleave frames on the socket.
type wsSink struct {
	ws      *websocket.Conn
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	writeWg sync.WaitGroup
}

const (
	sinkBuffer   = 64
	writeTimeout = 10 * time.Second
)

func newWSSink(ws *websocket.Conn) *wsSink {
	s := &wsSink{
		ws:     ws,
		frames: make(chan []byte, sinkBuffer),
		done:   make(chan struct{}),
	}
	s.writeWg.Add(1)
	go s.writePump()
	return s
}

func (s *wsSink) writePump() {
	defer s.writeWg.Done()
	for {
		select {
		case frame := <-s.frames:
			s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSink) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	case s.frames <- frame:
		return nil
	default:
		// Buffer full: the client is not draining. Treat as unwritable so
		// the entry stays pending in the consumer group.
		return ErrSinkClosed
	}
}

func (s *wsSink) Ready() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ping sends a transport-level ping control frame. Only WriteControl is
// safe to call here; it runs concurrently with the write pump.
func (s *wsSink) ping() error {
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *wsSink) Close(code int, reason string) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeWg.Wait()
		deadline := time.Now().Add(writeTimeout)
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		err = s.ws.Close()
	})
	return err
}
