package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Channel names clients and remote subscribers can follow.
const (
	ChannelData   = "data"
	ChannelAlarms = "alarms"
	ChannelRules  = "rules"
)

// Message types carried in the envelope.
const (
	TypeData        = "data"
	TypePollFailed  = "poll_failed"
	TypeRateLimit   = "rate_limit"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeAck         = "ack"
	TypeError       = "error"
)

// Message is the envelope pushed to realtime subscribers.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// Broadcaster delivers a message to the subscribers of a channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, msg Message) error
}

// DeviceChannel returns the per-device data channel.
func DeviceChannel(deviceID string) string {
	return ChannelData + ":" + deviceID
}

// ValidChannel reports whether clients may subscribe to channel.
func ValidChannel(channel string) bool {
	switch channel {
	case ChannelData, ChannelAlarms, ChannelRules:
		return true
	}
	id, ok := strings.CutPrefix(channel, ChannelData+":")
	return ok && id != ""
}
