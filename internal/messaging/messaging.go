package messaging

import (
	"context"
	"time"
)

// Message is a single record read from or written to the broker.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	Time  time.Time
}

// Publisher writes one message to a topic. Implementations must keep
// messages with the same key on the same partition so per-key ordering holds.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Consumer reads messages from a single topic within a consumer group.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Client is the explicitly lifecycled broker connection. It is constructed
// once per process and passed by reference to the components that need it;
// tests substitute a fake.
type Client interface {
	Publisher
	NewConsumer(topic, groupID string) Consumer
	Connect(ctx context.Context) error
	Close() error
}
