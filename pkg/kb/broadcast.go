package kb

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultInvalidateChannel = "atlas:kb:invalidate"

type invalidation struct {
	Origin   string   `json:"origin"`
	TenantID string   `json:"tenantId,omitempty"`
	AgentIDs []string `json:"agentIds,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// Broadcaster fans invalidations out to other processes over Redis pub/sub. Delivery is
// best effort; a process that misses a message serves stale packs for at most one TTL.
type Broadcaster struct {
	client  *redis.Client
	cache   *Cache
	channel string
	origin  string
}

func NewBroadcaster(client *redis.Client, cache *Cache, channel string) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidateChannel
	}
	return &Broadcaster{client: client, cache: cache, channel: channel, origin: uuid.NewString()}
}

// Invalidate applies locally, then publishes. The local effect stands even if publishing fails.
func (b *Broadcaster) Invalidate(ctx context.Context, tenantID string, agentIDs ...string) error {
	b.cache.Invalidate(tenantID, agentIDs...)
	return b.publish(ctx, invalidation{Origin: b.origin, TenantID: tenantID, AgentIDs: agentIDs})
}

func (b *Broadcaster) Flush(ctx context.Context) error {
	b.cache.Flush()
	return b.publish(ctx, invalidation{Origin: b.origin, All: true})
}

func (b *Broadcaster) publish(ctx context.Context, msg invalidation) error {
	if b.client == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Run applies invalidations published by other processes until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.client == nil {
		<-ctx.Done()
		return nil
	}
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.apply(m.Payload)
		}
	}
}

func (b *Broadcaster) apply(payload string) {
	var msg invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("kb invalidate decode: %v", err)
		return
	}
	if msg.Origin == b.origin {
		return
	}
	if msg.All {
		b.cache.Flush()
		return
	}
	if msg.TenantID == "" {
		return
	}
	b.cache.Invalidate(msg.TenantID, msg.AgentIDs...)
}
