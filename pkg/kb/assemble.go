package kb

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Chunk struct {
	DocID   string  `json:"docId"`
	Slug    string  `json:"slug"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher is tier 3. Results are never cached.
type Searcher interface {
	SearchChunks(ctx context.Context, tenantID, query string, limit int) ([]Chunk, error)
}

const DefaultChunkLimit = 8

// Context is everything an agent is handed for one request.
type Context struct {
	TenantID   string      `json:"tenantId"`
	AgentID    string      `json:"agentId"`
	Capability *Capability `json:"capability,omitempty"`
	Governance []Doc       `json:"governance"`
	AgentDocs  []Doc       `json:"agentDocs"`
	Chunks     []Chunk     `json:"chunks"`
	CachedAt   time.Time   `json:"cachedAt"`
}

type Assembler struct {
	Capabilities *Capabilities
	Cache        *Cache
	Search       Searcher
	ChunkLimit   int
}

// Assemble combines the three tiers. Search is skipped when query is blank or no
// Searcher is configured.
func (a *Assembler) Assemble(ctx context.Context, tenantID, agentID, query string) (Context, error) {
	out := Context{TenantID: tenantID, AgentID: NormalizeAgentID(agentID), Chunks: []Chunk{}}
	if c, ok := a.Capabilities.Get(agentID); ok {
		out.Capability = &c
	}
	pack, err := a.Cache.GetPack(ctx, tenantID, agentID)
	if err != nil {
		return out, err
	}
	out.Governance = pack.Governance
	out.AgentDocs = pack.AgentDocs
	out.CachedAt = pack.CachedAt
	query = strings.TrimSpace(query)
	if query == "" || a.Search == nil {
		return out, nil
	}
	limit := a.ChunkLimit
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	chunks, err := a.Search.SearchChunks(ctx, tenantID, query, limit)
	if err != nil {
		return out, fmt.Errorf("kb search: %w", err)
	}
	out.Chunks = chunks
	return out, nil
}

// Render flattens c into prompt text. When maxBytes > 0 the text is cut to at most
// maxBytes without splitting a UTF-8 sequence.
func (c Context) Render(maxBytes int) string {
	var b strings.Builder
	if c.Capability != nil {
		fmt.Fprintf(&b, "# Agent %s (%s)\n%s\n", c.Capability.Name, c.Capability.Role, c.Capability.Text)
	}
	if len(c.Governance) > 0 {
		b.WriteString("\n# Governance\n")
		for _, d := range c.Governance {
			fmt.Fprintf(&b, "## %s\n%s\n", d.Title, d.Body)
		}
	}
	if len(c.AgentDocs) > 0 {
		b.WriteString("\n# Agent knowledge\n")
		for _, d := range c.AgentDocs {
			fmt.Fprintf(&b, "## %s\n%s\n", d.Title, d.Body)
		}
	}
	if len(c.Chunks) > 0 {
		b.WriteString("\n# Relevant excerpts\n")
		for _, ch := range c.Chunks {
			fmt.Fprintf(&b, "- [%s] %s\n", ch.Slug, ch.Content)
		}
	}
	s := b.String()
	if maxBytes > 0 && len(s) > maxBytes {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
