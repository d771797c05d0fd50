package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atlasux/pkg/kb"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGDocumentStore serves kb documents and full-text chunk search from Postgres.
type PGDocumentStore struct {
	DB      pgDB
	Timeout time.Duration
}

func orderClause(o kb.Order) string {
	if o == kb.OrderSlugAsc {
		return "slug ASC"
	}
	return "updated_at DESC, slug ASC"
}

// likePrefix escapes LIKE metacharacters so prefix matching is literal.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}

func (s *PGDocumentStore) QueryBySlugPrefix(ctx context.Context, tenantID string, prefixes []string, limit int, order kb.Order) ([]kb.Doc, error) {
	if len(prefixes) == 0 || limit <= 0 {
		return []kb.Doc{}, nil
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	patterns := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		patterns = append(patterns, likePrefix(p))
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, slug, title, body, updated_at
		FROM kb_documents
		WHERE tenant_id=$1 AND slug LIKE ANY($2)
		ORDER BY `+orderClause(order)+`
		LIMIT $3
	`, tenantID, patterns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []kb.Doc{}
	for rows.Next() {
		var d kb.Doc
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Slug, &d.Title, &d.Body, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.UpdatedAt = d.UpdatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGDocumentStore) SearchChunks(ctx context.Context, tenantID, query string, limit int) ([]kb.Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []kb.Chunk{}, nil
	}
	if limit <= 0 {
		limit = kb.DefaultChunkLimit
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	rows, err := s.DB.Query(ctx, `
		SELECT c.doc_id, d.slug, c.content, ts_rank(c.tsv, q) AS score
		FROM kb_chunks c
		JOIN kb_documents d ON d.id = c.doc_id
		CROSS JOIN plainto_tsquery('english', $2) q
		WHERE c.tenant_id=$1 AND c.tsv @@ q
		ORDER BY score DESC, d.slug ASC, c.ord ASC
		LIMIT $3
	`, tenantID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []kb.Chunk{}
	for rows.Next() {
		var (
			c     kb.Chunk
			score float32
		)
		if err := rows.Scan(&c.DocID, &c.Slug, &c.Content, &score); err != nil {
			return nil, err
		}
		c.Score = float64(score)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertDocument stores d and replaces its chunks with one chunk per paragraph.
func (s *PGDocumentStore) UpsertDocument(ctx context.Context, d kb.Doc) (kb.Doc, error) {
	if strings.TrimSpace(d.TenantID) == "" || strings.TrimSpace(d.Slug) == "" {
		return d, fmt.Errorf("tenant and slug required")
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	err := pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		candidate := d.ID
		if candidate == "" {
			candidate = uuid.NewString()
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO kb_documents (id, tenant_id, slug, title, body, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, slug) DO UPDATE SET title=EXCLUDED.title, body=EXCLUDED.body, updated_at=EXCLUDED.updated_at
			RETURNING id
		`, candidate, d.TenantID, d.Slug, d.Title, d.Body, d.UpdatedAt).Scan(&d.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM kb_chunks WHERE doc_id=$1`, d.ID); err != nil {
			return err
		}
		for i, part := range Paragraphs(d.Body) {
			if _, err := tx.Exec(ctx, `
				INSERT INTO kb_chunks (id, tenant_id, doc_id, ord, content) VALUES ($1,$2,$3,$4,$5)
			`, uuid.NewString(), d.TenantID, d.ID, i, part); err != nil {
				return err
			}
		}
		return nil
	})
	return d, err
}

// Paragraphs splits body on blank lines, dropping empty parts.
func Paragraphs(body string) []string {
	out := []string{}
	for _, p := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
