package events

import (
	"context"
	"encoding/json"
	"log"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubEmitter publishes events to a Google Cloud Pub/Sub topic.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	// OnResult, when set, receives the outcome of every publish.
	OnResult func(id string, err error)
}

func NewPubSubEmitter(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	return &PubSubEmitter{client: client, topic: client.Topic(topicID)}, nil
}

func (p *PubSubEmitter) Emit(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Printf("pubsub marshal failed: %v", err)
		return
	}
	res := p.topic.Publish(context.WithoutCancel(ctx), &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"type":   e.Type,
			"tenant": e.TenantID,
			"to":     e.To,
		},
	})
	go func() {
		id, err := res.Get(context.Background())
		if err != nil {
			log.Printf("pubsub publish failed: %v", err)
		}
		if p.OnResult != nil {
			p.OnResult(id, err)
		}
	}()
}

func (p *PubSubEmitter) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
