package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Message is the envelope published on notification channels.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Channels the backend publishes on. send_ready is advisory only: the
// transport consumer polls the outbound_sends table for correctness and
// may subscribe here to cut latency.
const (
	ChannelSendReady = "send_ready"
	ChannelEvents    = "events"
)
