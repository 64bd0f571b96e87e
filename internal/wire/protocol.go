// Package wire defines the JSON frames exchanged with clients over the
// WebSocket transport.
package wire

import "encoding/json"

// Frame types.
const (
	TypeMessage     = "message"
	TypeAck         = "ack"
	TypeError       = "error"
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeBroadcast   = "broadcast"
)

// Close codes.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseRateLimited = 1008
	CloseInternal    = 1011
)

// ClientMessage is a frame received from a client.
type ClientMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// ServerMessage is a frame sent to a client.
type ServerMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ErrorData is the payload of a TypeError frame.
type ErrorData struct {
	Error string `json:"error"`
}

// WelcomeData is the payload of the first frame sent after accept.
type WelcomeData struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	StreamName   string `json:"streamName"`
	ServerTime   int64  `json:"serverTime"`
}

// AckData carries the broadcast message ID in the ack for a client publish.
type AckData struct {
	BroadcastMessageID string `json:"broadcastMessageId"`
}
