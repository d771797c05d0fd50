package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyValue is the small key/value surface idempotency needs.
type KeyValue interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// ErrKeyMissing is returned by KeyValue.Get for absent keys.
var ErrKeyMissing = errors.New("key missing")

type RedisKV struct{ client *redis.Client }

func NewRedisKV(client *redis.Client) *RedisKV { return &RedisKV{client: client} }

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyMissing
	}
	return res, err
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// MemoryKV is an in-process KeyValue with lazy expiry.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[key]; ok && m.now().Before(item.expiresAt) {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", ErrKeyMissing
	}
	return item.value, nil
}

func (m *MemoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// NewKeyValue uses redis when the client answers a ping, otherwise memory.
func NewKeyValue(ctx context.Context, client *redis.Client) KeyValue {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisKV(client)
		}
	}
	return NewMemoryKV()
}

const DefaultIdempotencyTTL = 24 * time.Hour

// Idempotency maps a client supplied key to the intent it created.
type Idempotency struct {
	KV  KeyValue
	TTL time.Duration
}

func (i *Idempotency) key(tenantID, key string) string {
	return "atlas:idem:" + tenantID + ":" + strings.TrimSpace(key)
}

// Reserve claims key for intentID. When the key is already taken it returns the intent id
// that holds it and reserved=false.
func (i *Idempotency) Reserve(ctx context.Context, tenantID, key, intentID string) (existing string, reserved bool, err error) {
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	k := i.key(tenantID, key)
	ok, err := i.KV.SetNX(ctx, k, intentID, ttl)
	if err != nil {
		return "", false, err
	}
	if ok {
		return intentID, true, nil
	}
	existing, err = i.KV.Get(ctx, k)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// Release frees a reservation whose intent was never stored.
func (i *Idempotency) Release(ctx context.Context, tenantID, key string) error {
	return i.KV.Del(ctx, i.key(tenantID, key))
}
