package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GlobalChannel is the wildcard channel every session receives.
const GlobalChannel = "*"

// Envelope is the broadcast message as stored and shipped through streams.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId,omitempty"`
}

// Fields flattens the envelope into stream entry fields.
func (e Envelope) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":      e.MessageID,
		"channel": e.Channel,
		"data":    string(e.Data),
		"ts":      strconv.FormatInt(e.Timestamp, 10),
	}
	if e.SenderID != "" {
		fields["sender"] = e.SenderID
	}
	return fields
}

// FromFields parses a stream entry field map back into an envelope.
func FromFields(fields map[string]string) (Envelope, error) {
	env := Envelope{
		MessageID: fields["id"],
		Channel:   fields["channel"],
		SenderID:  fields["sender"],
	}
	if env.MessageID == "" {
		return Envelope{}, fmt.Errorf("stream entry missing message id")
	}
	if env.Channel == "" {
		return Envelope{}, fmt.Errorf("stream entry missing channel")
	}
	if data, ok := fields["data"]; ok {
		env.Data = json.RawMessage(data)
	}
	if ts, ok := fields["ts"]; ok {
		parsed, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("stream entry has bad timestamp %q: %w", ts, err)
		}
		env.Timestamp = parsed
	}
	return env, nil
}

// EntryTime extracts the time encoded in a stream entry ID ("{ms}-{seq}").
func EntryTime(entryID string) (time.Time, error) {
	ms := entryID
	if i := strings.IndexByte(entryID, '-'); i >= 0 {
		ms = entryID[:i]
	}
	parsed, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stream entry id %q: %w", entryID, err)
	}
	return time.UnixMilli(parsed), nil
}
