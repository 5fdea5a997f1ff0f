package domain

import (
	"context"
)

// EventBus carries outbound notifications (fraud alerts, approval requests).
// Messages are scoped by branch so store managers can subscribe to their own branch.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, branchID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, branchID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	BranchID  string            `json:"branchId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `koanf:"type"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds

	// IngestEnabled also accepts events published on TopicEventIngested.
	IngestEnabled bool `koanf:"ingest_enabled"`
	// IngestBranches limits bus ingestion to these branches. Empty means all.
	IngestBranches []string `koanf:"ingest_branches"`
}

// Topics published by the action dispatcher.
const (
	TopicFraudFlagged      = "fraud.flagged"
	TopicApprovalRequested = "approval.requested"
)

// Topics consumed and produced by the ingestion worker.
const (
	TopicEventIngested = "pos.event.ingested"
	TopicEventRejected = "pos.event.rejected"
)
