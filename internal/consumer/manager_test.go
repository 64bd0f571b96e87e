package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/message"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store/storetest"
)

func newTestManager(workerID string, fake *storetest.Fake) *Manager {
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewManager(fake, workerID, log)
}

func testEnvelope(id, channel string) message.Envelope {
	return message.Envelope{
		MessageID: id,
		Channel:   channel,
		Data:      json.RawMessage(`{"n":1}`),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestPublishReadAckCycle(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	if err := m.CreateConsumer(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	if _, err := m.Publish(ctx, "orders", testEnvelope("m1", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	entries, err := m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Envelope.MessageID != "m1" {
		t.Errorf("expected message m1, got %s", entry.Envelope.MessageID)
	}
	if entry.StreamKey != store.ChannelStreamKey("orders") {
		t.Errorf("unexpected stream key %s", entry.StreamKey)
	}

	// Unacked entries come back on the next read.
	entries, err = m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected redelivery of the unacked entry, got %d entries", len(entries))
	}

	if err := m.Ack(ctx, "sid", entry.StreamKey, entry.ID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	entries, err = m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected nothing after ack, got %d entries", len(entries))
	}
}

func TestGlobalChannelReachesEveryConsumer(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	if err := m.CreateConsumer(ctx, "a", nil); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	if err := m.CreateConsumer(ctx, "b", nil); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	if _, err := m.Publish(ctx, message.GlobalChannel, testEnvelope("m1", message.GlobalChannel)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, sid := range []string{"a", "b"} {
		entries, err := m.ReadForSession(ctx, sid, 10)
		if err != nil {
			t.Fatalf("ReadForSession(%s) failed: %v", sid, err)
		}
		if len(entries) != 1 || entries[0].Envelope.MessageID != "m1" {
			t.Errorf("session %s expected m1, got %+v", sid, entries)
		}
	}
}

func TestUpdateChannelsAddsStreams(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	if err := m.CreateConsumer(ctx, "sid", nil); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	if err := m.UpdateChannels(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("UpdateChannels failed: %v", err)
	}

	c, ok := m.Get("sid")
	if !ok {
		t.Fatal("consumer record missing")
	}
	if len(c.StreamKeys) != 2 {
		t.Fatalf("expected global + channel streams, got %v", c.StreamKeys)
	}

	if _, err := m.Publish(ctx, "orders", testEnvelope("m1", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	entries, err := m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the channel entry after update, got %d", len(entries))
	}
}

func TestStaleEntriesAreAutoAcked(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	if err := m.CreateConsumer(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	// Mint an entry whose ID is 11 minutes in the past.
	fake.Advance(-11 * time.Minute)
	if _, err := m.Publish(ctx, "orders", testEnvelope("old", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	fake.Advance(11 * time.Minute)
	if _, err := m.Publish(ctx, "orders", testEnvelope("fresh", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	entries, err := m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Envelope.MessageID != "fresh" {
		t.Fatalf("expected only the fresh entry, got %+v", entries)
	}

	// The stale entry was acked away, not left pending.
	count, err := fake.XPending(ctx, store.ChannelStreamKey("orders"), "client:sid")
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected only the fresh entry pending, got %d", count)
	}
}

func TestAbandonedEntriesAreClaimedAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	w1 := newTestManager("w1", fake)
	w2 := newTestManager("w2", fake)

	if err := w1.CreateConsumer(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	if _, err := w1.Publish(ctx, "orders", testEnvelope("m1", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Worker 1 reads the entry, then dies without acking.
	entries, err := w1.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry on w1, got %d", len(entries))
	}

	// Worker 2 picks up the session. The entry is in w1's pending list, so
	// it is invisible until it idles past the claim threshold.
	if err := w2.CreateConsumer(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	entries, err = w2.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected nothing before the idle threshold, got %+v", entries)
	}

	fake.Advance(31 * time.Second)
	entries, err = w2.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Envelope.MessageID != "m1" {
		t.Fatalf("expected the claimed entry on w2, got %+v", entries)
	}
}

func TestDestroyConsumerStopsReads(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	if err := m.CreateConsumer(ctx, "sid", []string{"orders"}); err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}
	if err := m.DestroyConsumer(ctx, "sid"); err != nil {
		t.Fatalf("DestroyConsumer failed: %v", err)
	}
	if _, ok := m.Get("sid"); ok {
		t.Error("consumer record should be gone")
	}

	entries, err := m.ReadForSession(ctx, "sid", 10)
	if err != nil {
		t.Fatalf("ReadForSession failed: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil entries for a destroyed consumer, got %+v", entries)
	}
}

func TestTrimStaleEntriesSweepsAllStreams(t *testing.T) {
	ctx := context.Background()
	fake := storetest.New()
	m := newTestManager("w1", fake)

	fake.Advance(-11 * time.Minute)
	if _, err := m.Publish(ctx, "orders", testEnvelope("old-channel", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := m.Publish(ctx, message.GlobalChannel, testEnvelope("old-global", message.GlobalChannel)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	fake.Advance(11 * time.Minute)
	if _, err := m.Publish(ctx, "orders", testEnvelope("fresh", "orders")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	m.TrimStaleEntries(ctx)

	if n, _ := fake.XLen(ctx, store.ChannelStreamKey("orders")); n != 1 {
		t.Errorf("expected 1 surviving channel entry, got %d", n)
	}
	if n, _ := fake.XLen(ctx, store.GlobalStreamKey()); n != 0 {
		t.Errorf("expected the global stream to be emptied, got %d", n)
	}
}
