package kb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Doc struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Order string

const (
	OrderUpdatedDesc Order = "updated_desc"
	OrderSlugAsc     Order = "slug_asc"
)

// DocumentStore is the read side of the tenant document table.
type DocumentStore interface {
	QueryBySlugPrefix(ctx context.Context, tenantID string, prefixes []string, limit int, order Order) ([]Doc, error)
}

// Pack is one cached (tenant, agent) entry. Callers must treat the slices as read-only.
type Pack struct {
	TenantID   string    `json:"tenantId"`
	AgentID    string    `json:"agentId"`
	Governance []Doc     `json:"governance"`
	AgentDocs  []Doc     `json:"agentDocs"`
	CachedAt   time.Time `json:"cachedAt"`
}

const (
	DefaultTTL             = time.Hour
	DefaultGovernanceLimit = 20
	DefaultAgentDocLimit   = 30
	DefaultFetchTimeout    = 5 * time.Second
)

var DefaultGovernancePrefixes = []string{"policy/", "governance/", "sgl/"}

// AgentDocPrefix is the slug prefix of documents owned by one agent.
func AgentDocPrefix(agentID string) string {
	return "agent/" + NormalizeAgentID(agentID) + "/"
}

type CacheConfig struct {
	TTL                time.Duration
	GovernancePrefixes []string
	GovernanceLimit    int
	AgentDocLimit      int
	FetchTimeout       time.Duration
	Now                func() time.Time
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if len(c.GovernancePrefixes) == 0 {
		c.GovernancePrefixes = append([]string(nil), DefaultGovernancePrefixes...)
	}
	if c.GovernanceLimit <= 0 {
		c.GovernanceLimit = DefaultGovernanceLimit
	}
	if c.AgentDocLimit <= 0 {
		c.AgentDocLimit = DefaultAgentDocLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Cache is the tier-2 pack cache. Entries are only replaced on staleness or removed by
// invalidation; there is no size bound, so memory grows with tenants x agents.
type Cache struct {
	store DocumentStore
	cfg   CacheConfig

	mu      sync.RWMutex
	entries map[packKey]Pack
	// gen advances on every invalidation. A fetch started under an older gen is returned
	// to its callers but not stored.
	gen uint64

	group singleflight.Group

	OnHit  func()
	OnMiss func()
}

func NewCache(store DocumentStore, cfg CacheConfig) *Cache {
	return &Cache{store: store, cfg: cfg.withDefaults(), entries: map[packKey]Pack{}}
}

type packKey struct {
	tenant, agent string
}

func cacheKey(tenantID, agentID string) packKey {
	return packKey{tenant: tenantID, agent: agentID}
}

func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

func (c *Cache) GetPack(ctx context.Context, tenantID, agentID string) (Pack, error) {
	agentID = NormalizeAgentID(agentID)
	if tenantID == "" || agentID == "" {
		return Pack{}, fmt.Errorf("kb: tenant and agent required")
	}
	key := cacheKey(tenantID, agentID)

	c.mu.RLock()
	p, ok := c.entries[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.cfg.Now().Sub(p.CachedAt) < c.cfg.TTL {
		if c.OnHit != nil {
			c.OnHit()
		}
		return p, nil
	}
	if c.OnMiss != nil {
		c.OnMiss()
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%q/%q#%d", tenantID, agentID, gen), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		p, err := c.fetch(fetchCtx, tenantID, agentID)
		if err != nil {
			return Pack{}, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.entries[key] = p
		}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Pack{}, err
	}
	return v.(Pack), nil
}

func (c *Cache) fetch(ctx context.Context, tenantID, agentID string) (Pack, error) {
	var governance, agentDocs []Doc
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := c.store.QueryBySlugPrefix(gctx, tenantID, c.cfg.GovernancePrefixes, c.cfg.GovernanceLimit, OrderUpdatedDesc)
		if err != nil {
			return fmt.Errorf("kb governance docs: %w", err)
		}
		governance = docs
		return nil
	})
	g.Go(func() error {
		docs, err := c.store.QueryBySlugPrefix(gctx, tenantID, []string{AgentDocPrefix(agentID)}, c.cfg.AgentDocLimit, OrderSlugAsc)
		if err != nil {
			return fmt.Errorf("kb agent docs: %w", err)
		}
		agentDocs = docs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Pack{}, err
	}
	if governance == nil {
		governance = []Doc{}
	}
	if agentDocs == nil {
		agentDocs = []Doc{}
	}
	return Pack{
		TenantID:   tenantID,
		AgentID:    agentID,
		Governance: governance,
		AgentDocs:  agentDocs,
		CachedAt:   c.cfg.Now(),
	}, nil
}

// Invalidate drops the listed agents of tenantID, or every entry of tenantID when none
// are listed.
func (c *Cache) Invalidate(tenantID string, agentIDs ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	removed := 0
	if len(agentIDs) == 0 {
		for k, p := range c.entries {
			if p.TenantID == tenantID {
				delete(c.entries, k)
				removed++
			}
		}
		return removed
	}
	for _, a := range agentIDs {
		k := cacheKey(tenantID, NormalizeAgentID(a))
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Flush() {
	c.mu.Lock()
	c.gen++
	c.entries = map[packKey]Pack{}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
