package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dnewmon/broadcast-socket-sub000/internal/consumer"
	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/metrics"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store/storetest"
	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
	"github.com/dnewmon/broadcast-socket-sub000/internal/wire"
)

type fakeConn struct {
	id        string
	sessionID string
	alive     bool
	failSend  bool
	frames    [][]byte
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) SessionID() string { return c.sessionID }
func (c *fakeConn) IsAlive() bool     { return c.alive }
func (c *fakeConn) Send(frame []byte) error {
	if c.failSend {
		return errors.New("sink closed")
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

// messages decodes the frames of a given type received so far.
func (c *fakeConn) messages(t *testing.T, frameType string) []wire.ServerMessage {
	t.Helper()
	var out []wire.ServerMessage
	for _, raw := range c.frames {
		var msg wire.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		if msg.Type == frameType {
			out = append(out, msg)
		}
	}
	return out
}

type fakeView struct {
	conns map[string]*fakeConn // sessionID -> connection
}

func (v *fakeView) ForEachLive(fn func(Connection)) {
	for _, c := range v.conns {
		if c.alive {
			fn(c)
		}
	}
}

func (v *fakeView) LookupSession(sessionID string) Connection {
	c, ok := v.conns[sessionID]
	if !ok || !c.alive {
		return nil
	}
	return c
}

type engineHarness struct {
	fake      *storetest.Fake
	subs      *subscription.Registry
	consumers *consumer.Manager
	view      *fakeView
	engine    *Engine
}

func newEngineHarness() *engineHarness {
	fake := storetest.New()
	log := logger.New(logger.Config{Level: slog.LevelError})
	subs := subscription.NewRegistry(fake, log)
	consumers := consumer.NewManager(fake, "w1", log)
	view := &fakeView{conns: make(map[string]*fakeConn)}
	return &engineHarness{
		fake:      fake,
		subs:      subs,
		consumers: consumers,
		view:      view,
		engine:    NewEngine(fake, subs, consumers, view, metrics.New(), log),
	}
}

// attach wires a session with a live connection, a subscription and a
// consumer reading the channel's stream.
func (h *engineHarness) attach(t *testing.T, sessionID, channel string) *fakeConn {
	t.Helper()
	ctx := context.Background()
	var channels []string
	if channel != "" {
		if _, err := h.subs.Subscribe(ctx, sessionID, channel); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		channels = []string{channel}
	}
	if err := h.consumers.CreateConsumer(ctx, sessionID, channels); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	conn := &fakeConn{id: "conn-" + sessionID, sessionID: sessionID, alive: true}
	h.view.conns[sessionID] = conn
	return conn
}

func TestBroadcastPersistsEnvelopeAndCounters(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()

	messageID, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}
	if messageID == "" {
		t.Fatal("expected a message id")
	}

	raw, err := h.fake.Get(ctx, store.MessageKey(messageID))
	if err != nil {
		t.Fatalf("envelope not persisted: %v", err)
	}
	var env struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("bad persisted envelope: %v", err)
	}
	if env.Channel != "orders" {
		t.Errorf("expected channel orders, got %s", env.Channel)
	}

	total, err := h.fake.Get(ctx, store.TotalMessagesKey())
	if err != nil || string(total) != "1" {
		t.Errorf("expected total counter 1, got %s (%v)", total, err)
	}
	perChannel, err := h.fake.Get(ctx, store.ChannelMessagesKey("orders"))
	if err != nil || string(perChannel) != "1" {
		t.Errorf("expected channel counter 1, got %s (%v)", perChannel, err)
	}
	if n, _ := h.fake.XLen(ctx, store.ChannelStreamKey("orders")); n != 1 {
		t.Errorf("expected 1 stream entry, got %d", n)
	}
}

func TestBroadcastRejectsInvalidChannel(t *testing.T) {
	h := newEngineHarness()
	if _, err := h.engine.BroadcastToChannel(context.Background(), "bad channel", json.RawMessage(`{}`), ""); err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestDeliverToSubscribedSession(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	messageID, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	if !h.engine.pollOnce(ctx) {
		t.Fatal("poll reported a terminal failure")
	}

	delivered := conn.messages(t, wire.TypeMessage)
	if len(delivered) != 1 {
		t.Fatalf("expected 1 message frame, got %d", len(delivered))
	}
	if delivered[0].MessageID != messageID {
		t.Errorf("expected message id %s, got %s", messageID, delivered[0].MessageID)
	}
	if delivered[0].Channel != "orders" {
		t.Errorf("expected channel orders, got %s", delivered[0].Channel)
	}
	if acks := conn.messages(t, wire.TypeAck); len(acks) != 1 {
		t.Errorf("expected the server-side ack frame, got %d", len(acks))
	}
}

func TestOwnPublishesAreNotEchoed(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	if _, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "sid"); err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	h.engine.pollOnce(ctx)

	if delivered := conn.messages(t, wire.TypeMessage); len(delivered) != 0 {
		t.Fatalf("sender must not receive its own publish, got %d frames", len(delivered))
	}
	// The echo entry is acked, not left to retry.
	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 0 {
		t.Errorf("expected empty pending list, got %d", count)
	}
}

func TestStaleStreamMembershipIsAckedAway(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	// The subscription goes away but the consumer still reads the stream.
	if _, err := h.subs.Unsubscribe(ctx, "sid", "orders"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if _, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	h.engine.pollOnce(ctx)

	if delivered := conn.messages(t, wire.TypeMessage); len(delivered) != 0 {
		t.Fatalf("unsubscribed session must not receive the message, got %d frames", len(delivered))
	}
	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 0 {
		t.Errorf("expected the entry acked away, got %d pending", count)
	}
}

func TestRedeliveryIsDedupedWithinWindow(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	if _, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	// The client never acks; the entry stays pending and is read again on
	// the next tick, but the dedup cache stops a second send.
	h.engine.pollOnce(ctx)
	h.engine.pollOnce(ctx)

	if delivered := conn.messages(t, wire.TypeMessage); len(delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(delivered))
	}
	// The duplicate pass acked the entry in the store.
	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 0 {
		t.Errorf("expected pending list drained by the dedup ack, got %d", count)
	}
}

func TestFailedSendLeavesEntryPending(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")
	conn.failSend = true

	messageID, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	h.engine.pollOnce(ctx)
	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 1 {
		t.Fatalf("expected the entry to stay pending after a failed send, got %d", count)
	}

	// Once the sink recovers the entry is delivered, not deduped away.
	conn.failSend = false
	h.engine.pollOnce(ctx)
	delivered := conn.messages(t, wire.TypeMessage)
	if len(delivered) != 1 || delivered[0].MessageID != messageID {
		t.Fatalf("expected delivery after recovery, got %+v", delivered)
	}
}

func TestClientAckDrainsPendingEntry(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	messageID, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}
	h.engine.pollOnce(ctx)
	if delivered := conn.messages(t, wire.TypeMessage); len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}

	h.engine.HandleClientAck(ctx, "sid", messageID)

	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 0 {
		t.Errorf("expected pending list drained by the client ack, got %d", count)
	}
}

func TestAckWithoutDeliveryRecordIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")
	conn.alive = false

	messageID, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	// Nothing was delivered, so the message id maps to no stream entry.
	// The ack must not be forwarded to the store; a message id is not a
	// valid XACK entry id and the entry has to stay claimable.
	h.engine.HandleClientAck(ctx, "sid", messageID)

	conn.alive = true
	h.engine.pollOnce(ctx)
	if delivered := conn.messages(t, wire.TypeMessage); len(delivered) != 1 {
		t.Fatalf("expected the entry still deliverable, got %d frames", len(delivered))
	}
}

func TestDeadSessionLeavesEntryPending(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	conn := h.attach(t, "sid", "orders")

	if _, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	// First read happens while the connection is alive so the entry lands
	// in the pending list, then the sink dies before delivery retries.
	conn.failSend = true
	h.engine.pollOnce(ctx)
	conn.alive = false
	h.engine.pollOnce(ctx)

	count, _ := h.fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if count != 1 {
		t.Errorf("expected the entry to wait for a live sink, got %d pending", count)
	}
}

func TestMessageHistoryFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()

	if _, err := h.engine.BroadcastToChannel(ctx, "orders", json.RawMessage(`{"n":1}`), ""); err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}
	// Timestamps have millisecond resolution; keep the ordering unambiguous.
	time.Sleep(2 * time.Millisecond)
	second, err := h.engine.BroadcastToChannel(ctx, "alerts", json.RawMessage(`{"n":2}`), "")
	if err != nil {
		t.Fatalf("BroadcastToChannel failed: %v", err)
	}

	orders, err := h.engine.MessageHistory(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("MessageHistory failed: %v", err)
	}
	if len(orders) != 1 || orders[0].Channel != "orders" {
		t.Fatalf("expected only the orders message, got %+v", orders)
	}

	all, err := h.engine.MessageHistory(ctx, "*", 0)
	if err != nil {
		t.Fatalf("MessageHistory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both messages for the wildcard, got %d", len(all))
	}
	if all[0].MessageID != second {
		t.Errorf("expected newest first, got %s", all[0].MessageID)
	}

	one, err := h.engine.MessageHistory(ctx, "*", 1)
	if err != nil {
		t.Fatalf("MessageHistory failed: %v", err)
	}
	if len(one) != 1 {
		t.Errorf("expected the limit respected, got %d", len(one))
	}
}

func TestPollStopsWhenStoreCloses(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness()
	h.attach(t, "sid", "orders")

	if err := h.fake.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.engine.pollOnce(ctx) {
		t.Error("expected the poll loop to stop on a closed store")
	}
}
