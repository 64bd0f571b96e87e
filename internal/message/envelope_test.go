package message

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFieldsRoundTrip(t *testing.T) {
	env := Envelope{
		MessageID: "msg-1",
		Channel:   "orders",
		Data:      json.RawMessage(`{"qty":3}`),
		Timestamp: 1700000000000,
		SenderID:  "session-a",
	}

	parsed, err := FromFields(stringify(env.Fields()))
	if err != nil {
		t.Fatalf("FromFields failed: %v", err)
	}
	if parsed.MessageID != env.MessageID {
		t.Errorf("expected message id %q, got %q", env.MessageID, parsed.MessageID)
	}
	if parsed.Channel != env.Channel {
		t.Errorf("expected channel %q, got %q", env.Channel, parsed.Channel)
	}
	if string(parsed.Data) != string(env.Data) {
		t.Errorf("expected data %s, got %s", env.Data, parsed.Data)
	}
	if parsed.Timestamp != env.Timestamp {
		t.Errorf("expected timestamp %d, got %d", env.Timestamp, parsed.Timestamp)
	}
	if parsed.SenderID != env.SenderID {
		t.Errorf("expected sender %q, got %q", env.SenderID, parsed.SenderID)
	}
}

func TestFieldsOmitsEmptySender(t *testing.T) {
	env := Envelope{MessageID: "msg-1", Channel: "*", Timestamp: 1}
	if _, ok := env.Fields()["sender"]; ok {
		t.Error("expected no sender field for server-originated message")
	}
}

func TestFromFieldsRejectsIncompleteEntries(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
	}{
		{"missing id", map[string]string{"channel": "orders"}},
		{"missing channel", map[string]string{"id": "msg-1"}},
		{"bad timestamp", map[string]string{"id": "msg-1", "channel": "orders", "ts": "soon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromFields(tc.fields); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEntryTime(t *testing.T) {
	at, err := EntryTime("1700000000000-3")
	if err != nil {
		t.Fatalf("EntryTime failed: %v", err)
	}
	if !at.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected time %v", at)
	}

	if _, err := EntryTime("not-an-id"); err == nil {
		t.Error("expected an error for a malformed id")
	}
}

func stringify(fields map[string]interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.(string)
	}
	return out
}
