package statebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

var errConsumerClosed = errors.New("kafka consumer not initialized")

// KafkaConsumer reads executor reports from a consumer group. Offsets are committed
// explicitly by the Runner after a report was handled, so a crash replays the report.
type KafkaConsumer struct {
	reader kafkaReader
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, fmt.Errorf("kafka reports topic required")
	case strings.TrimSpace(cfg.GroupID) == "":
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       strings.TrimSpace(cfg.Topic),
		GroupID:     strings.TrimSpace(cfg.GroupID),
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) FetchMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errConsumerClosed
	}
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: msg.Key, Value: msg.Value, Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}, nil
}

// Commit marks msg and everything before it on its partition as consumed.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errConsumerClosed
	}
	return c.reader.CommitMessages(ctx, kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset})
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
