package messaging

import (
	"context"
	"fmt"
	"sync"

	kafkaGo "github.com/segmentio/kafka-go"
)

// KafkaClient implements Client on top of kafka-go. One writer is kept per
// topic; the hash balancer pins each key to a partition.
type KafkaClient struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafkaGo.Writer
}

func NewKafkaClient(brokers ...string) *KafkaClient {
	return &KafkaClient{
		brokers: brokers,
		writers: make(map[string]*kafkaGo.Writer),
	}
}

// Connect verifies at least one broker is reachable.
func (c *KafkaClient) Connect(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafkaGo.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker %s: %w", c.brokers[0], err)
	}
	return conn.Close()
}

func (c *KafkaClient) Publish(ctx context.Context, topic, key string, value []byte) error {
	return c.writer(topic).WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (c *KafkaClient) writer(topic string) *kafkaGo.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.writers[topic]
	if !ok {
		w = &kafkaGo.Writer{
			Addr:                   kafkaGo.TCP(c.brokers...),
			Topic:                  topic,
			Balancer:               &kafkaGo.Hash{},
			AllowAutoTopicCreation: true,
		}
		c.writers[topic] = w
	}
	return w
}

func (c *KafkaClient) NewConsumer(topic, groupID string) Consumer {
	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return &kafkaConsumer{reader: reader}
}

func (c *KafkaClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for topic, w := range c.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
		delete(c.writers, topic)
	}
	return firstErr
}

type kafkaConsumer struct {
	reader *kafkaGo.Reader
}

func (c *kafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic: m.Topic,
		Key:   m.Key,
		Value: m.Value,
		Time:  m.Time,
	}, nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
