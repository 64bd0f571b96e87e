package store

import "fmt"

// Prefix namespaces every key this gateway writes.
const Prefix = "sockets:"

// Key layout. Data streams and the session reverse index deliberately live
// under disjoint sub-namespaces: streams under "stream:", the streamName
// reverse index under "streamname:". Keeping them apart means a SCAN over
// "sockets:stream:*" only ever sees data streams.
func MessageKey(messageID string) string {
	return Prefix + "message:" + messageID
}

func SubscriptionsKey(sessionID string) string {
	return Prefix + "client:" + sessionID + ":subscriptions"
}

func TotalMessagesKey() string {
	return Prefix + "stats:total_messages"
}

func ChannelMessagesKey(channel string) string {
	return fmt.Sprintf("%sstats:channel:%s:messages", Prefix, channel)
}

func GlobalStreamKey() string {
	return Prefix + "stream:global"
}

func ChannelStreamKey(channel string) string {
	return Prefix + "stream:channel:" + channel
}

func SessionKey(sessionID string) string {
	return Prefix + "session:" + sessionID
}

func StreamNameKey(streamName string) string {
	return Prefix + "streamname:" + streamName
}

// Scan patterns for the sweeps and history lookups. The stream sweep scans
// only "stream:channel:*" and handles the global stream explicitly, because
// a glob over "stream:*" would also match "streamname:*" keys.
const (
	MessageScanPattern       = Prefix + "message:*"
	SessionScanPattern       = Prefix + "session:*"
	ChannelStreamScanPattern = Prefix + "stream:channel:*"
)
