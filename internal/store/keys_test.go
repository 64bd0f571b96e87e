package store

import (
	"path"
	"testing"
)

// The trim sweep scans ChannelStreamScanPattern; it must see every channel
// stream and never the streamName reverse index, which shares the "stream"
// prefix as a word.
func TestScanPatternsAreDisjoint(t *testing.T) {
	match := func(pattern, key string) bool {
		ok, err := path.Match(pattern, key)
		if err != nil {
			t.Fatalf("bad pattern %q: %v", pattern, err)
		}
		return ok
	}

	if !match(ChannelStreamScanPattern, ChannelStreamKey("orders")) {
		t.Error("channel stream key must match the channel stream pattern")
	}
	if match(ChannelStreamScanPattern, GlobalStreamKey()) {
		t.Error("global stream is swept explicitly, not via the scan pattern")
	}
	if match(ChannelStreamScanPattern, StreamNameKey("mobile-1")) {
		t.Error("streamName index keys must not match the channel stream pattern")
	}
	if !match(SessionScanPattern, SessionKey("abc")) {
		t.Error("session key must match the session pattern")
	}
	if !match(MessageScanPattern, MessageKey("abc")) {
		t.Error("message key must match the message pattern")
	}
}

func TestKeysCarryPrefix(t *testing.T) {
	keys := []string{
		MessageKey("m"),
		SubscriptionsKey("s"),
		TotalMessagesKey(),
		ChannelMessagesKey("c"),
		GlobalStreamKey(),
		ChannelStreamKey("c"),
		SessionKey("s"),
		StreamNameKey("n"),
	}
	for _, key := range keys {
		if len(key) < len(Prefix) || key[:len(Prefix)] != Prefix {
			t.Errorf("key %q missing prefix %q", key, Prefix)
		}
	}
}
