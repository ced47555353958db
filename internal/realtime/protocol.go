package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

// Websocket frame types exchanged between the hub and its clients.
const (
	MsgConnectionEstablished = "connection:established"
	MsgSubscriptionConfirmed = "subscription:confirmed"
	MsgOpportunityChange     = "opportunity:change"
	MsgPing                  = "ping"
	MsgPong                  = "pong"

	subscribePrefix = "subscribe:"
)

// ChannelOpportunities is the protocol-level channel clients subscribe to.
const ChannelOpportunities = "opportunities"

// Envelope is the JSON text frame on the hub<->client connection. Unknown
// Type values are ignored by both sides.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// SubscribeType builds the client->hub frame type for a channel.
func SubscribeType(channel string) string {
	return subscribePrefix + channel
}

// ParseSubscribe reports whether t is a subscribe frame and for which channel.
func ParseSubscribe(t string) (string, bool) {
	if !strings.HasPrefix(t, subscribePrefix) {
		return "", false
	}
	channel := strings.TrimPrefix(t, subscribePrefix)
	if channel == "" {
		return "", false
	}
	return channel, true
}
