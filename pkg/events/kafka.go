package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter writes events to a topic keyed by intent id so one intent's events stay ordered.
type KafkaEmitter struct {
	writer  kafkaWriter
	timeout time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaEmitter(cfg KafkaConfig) (*KafkaEmitter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Printf("kafka event publish failed (%d messages): %v", len(msgs), err)
			}
		},
	}
	return &KafkaEmitter{writer: w, timeout: 5 * time.Second}, nil
}

func (k *KafkaEmitter) Emit(ctx context.Context, e Event) {
	if k == nil || k.writer == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		log.Printf("kafka event marshal failed: %v", err)
		return
	}
	key := e.IntentID
	if key == "" {
		key = e.TenantID
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "tenant", Value: []byte(e.TenantID)},
		},
	}); err != nil {
		log.Printf("kafka event %s: %v", e.Type, err)
	}
}

func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
