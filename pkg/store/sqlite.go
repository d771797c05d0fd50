package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/intent"
	"atlasux/pkg/kb"
	"atlasux/pkg/sgl"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteStore implements intent.Store and the kb document interfaces on one SQLite file.
// A single connection serializes every statement, so callers inside InTx must only use the Tx.
type SQLiteStore struct {
	db       *sql.DB
	Redactor *audit.Redactor
	Timeout  time.Duration
	Now      func() time.Time
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, Now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
PRAGMA busy_timeout = 5000;
PRAGMA journal_mode = WAL;
CREATE TABLE IF NOT EXISTS tenants (
  tenant_id TEXT PRIMARY KEY,
  engine_enabled INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ns INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS intents (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  created_by TEXT NOT NULL DEFAULT '',
  actor TEXT NOT NULL DEFAULT '',
  intent_type TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  payload_hash TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  sgl_decision TEXT NOT NULL DEFAULT '',
  sgl_reasons TEXT NOT NULL DEFAULT '[]',
  sgl_needs_human INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  claim_seq INTEGER NOT NULL DEFAULT 0,
  claimed_at_unix_ns INTEGER,
  created_at_unix_ns INTEGER NOT NULL,
  updated_at_unix_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_tenant_status ON intents(tenant_id, status, created_at_unix_ns, id);
CREATE TRIGGER IF NOT EXISTS intents_no_delete BEFORE DELETE ON intents
BEGIN SELECT RAISE(ABORT, 'intents are never deleted'); END;
CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL DEFAULT '',
  actor_type TEXT NOT NULL,
  actor_id TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL DEFAULT '',
  entity_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ns INTEGER NOT NULL,
  seq INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(tenant_id, entity_type, entity_id, seq);
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
CREATE TABLE IF NOT EXISTS kb_documents (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  slug TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL DEFAULT '',
  updated_at_unix_ns INTEGER NOT NULL,
  UNIQUE (tenant_id, slug)
);
CREATE TABLE IF NOT EXISTS kb_chunks (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  doc_id TEXT NOT NULL,
  ord INTEGER NOT NULL DEFAULT 0,
  content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kb_chunks_tenant ON kb_chunks(tenant_id, doc_id);
`)
	return err
}

func (s *SQLiteStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func fromUnixNano(v int64) time.Time { return time.Unix(0, v).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

const sqliteIntentColumns = `id, tenant_id, created_by, actor, intent_type, payload, payload_hash, status,
  sgl_decision, sgl_reasons, sgl_needs_human, last_error, claim_seq, claimed_at_unix_ns, created_at_unix_ns, updated_at_unix_ns`

func scanSQLiteIntent(row scanner) (intent.Intent, error) {
	var (
		in         intent.Intent
		payload    string
		status     string
		decision   string
		reasons    string
		needsHuman int
		claimedAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&in.ID, &in.TenantID, &in.CreatedBy, &in.Actor, &in.Type, &payload, &in.PayloadHash, &status,
		&decision, &reasons, &needsHuman, &in.LastError, &in.ClaimSeq, &claimedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return intent.Intent{}, intent.ErrNotFound
	}
	if err != nil {
		return intent.Intent{}, err
	}
	in.Payload = json.RawMessage(payload)
	in.Status = intent.Status(status)
	in.SGLDecision = sgl.Verdict(decision)
	in.SGLReasons = decodeReasons([]byte(reasons))
	in.SGLNeedsHuman = needsHuman != 0
	if claimedAt.Valid {
		t := fromUnixNano(claimedAt.Int64)
		in.ClaimedAt = &t
	}
	in.CreatedAt = fromUnixNano(createdAt)
	in.UpdatedAt = fromUnixNano(updatedAt)
	return in, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanSQLiteIntent(s.db.QueryRowContext(ctx, `SELECT `+sqliteIntentColumns+` FROM intents WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

func (s *SQLiteStore) List(ctx context.Context, f intent.ListFilter) ([]intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	q := `SELECT ` + sqliteIntentColumns + ` FROM intents WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at_unix_ns DESC, id DESC LIMIT ?`
	args = append(args, listLimit(f.Limit))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []intent.Intent{}
	for rows.Next() {
		in, err := scanSQLiteIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAudit(ctx context.Context, tenantID, intentID string) ([]audit.Entry, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant_id, actor_type, actor_id, action, entity_type, entity_id, status, metadata, created_at_unix_ns
FROM audit_log
WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
ORDER BY seq ASC
`, tenantID, audit.EntityIntent, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []audit.Entry{}
	for rows.Next() {
		var (
			e         audit.Entry
			actorType string
			status    string
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &actorType, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &status, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.ActorType = audit.ActorType(actorType)
		e.Status = audit.Status(status)
		e.Metadata = json.RawMessage(meta)
		e.CreatedAt = fromUnixNano(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindOldest(ctx context.Context, tenantID string, status intent.Status) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanSQLiteIntent(s.db.QueryRowContext(ctx, `
SELECT `+sqliteIntentColumns+` FROM intents
WHERE tenant_id = ? AND status = ?
ORDER BY created_at_unix_ns ASC, id ASC
LIMIT 1
`, tenantID, string(status)))
}

func (s *SQLiteStore) FindStaleClaim(ctx context.Context, tenantID string, claimedBefore time.Time) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanSQLiteIntent(s.db.QueryRowContext(ctx, `
SELECT `+sqliteIntentColumns+` FROM intents
WHERE tenant_id = ? AND status = ? AND claimed_at_unix_ns < ?
ORDER BY claimed_at_unix_ns ASC, id ASC
LIMIT 1
`, tenantID, string(intent.Validating), claimedBefore.UnixNano()))
}

func (s *SQLiteStore) ListEnabledTenants(ctx context.Context) ([]string, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM tenants WHERE engine_enabled = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetTenantEnabled(ctx context.Context, tenantID string, enabled bool) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id required")
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tenants (tenant_id, engine_enabled, updated_at_unix_ns) VALUES (?, ?, ?)
ON CONFLICT(tenant_id) DO UPDATE SET engine_enabled = excluded.engine_enabled, updated_at_unix_ns = excluded.updated_at_unix_ns
`, tenantID, flag, s.now().UnixNano())
	return err
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(intent.Tx) error) error {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx, redactor: s.Redactor, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx       *sql.Tx
	redactor *audit.Redactor
	now      func() time.Time
}

func nullUnixNano(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func (t *sqliteTx) Insert(ctx context.Context, in intent.Intent) error {
	needsHuman := 0
	if in.SGLNeedsHuman {
		needsHuman = 1
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO intents (`+sqliteIntentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, in.ID, in.TenantID, in.CreatedBy, in.Actor, in.Type, string(in.Payload), in.PayloadHash, string(in.Status),
		string(in.SGLDecision), string(encodeReasons(in.SGLReasons)), needsHuman, in.LastError, in.ClaimSeq,
		nullUnixNano(in.ClaimedAt), in.CreatedAt.UnixNano(), in.UpdatedAt.UnixNano())
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return fmt.Errorf("%w: intent %s exists", intent.ErrConflict, in.ID)
	}
	return err
}

func (t *sqliteTx) Get(ctx context.Context, tenantID, id string) (intent.Intent, error) {
	return scanSQLiteIntent(t.tx.QueryRowContext(ctx, `SELECT `+sqliteIntentColumns+` FROM intents WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

func (t *sqliteTx) CompareAndSwapStatus(ctx context.Context, id string, expected, next intent.Status, now time.Time) (bool, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}
	q := `UPDATE intents SET status = ?, updated_at_unix_ns = ? WHERE id = ? AND status = ?`
	args := []any{string(next), now.UnixNano(), id, string(expected)}
	if next == intent.Validating {
		q = `UPDATE intents SET status = ?, updated_at_unix_ns = ?, claim_seq = claim_seq + 1, claimed_at_unix_ns = ? WHERE id = ? AND status = ?`
		args = []any{string(next), now.UnixNano(), now.UnixNano(), id, string(expected)}
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqliteTx) ReclaimClaim(ctx context.Context, id string, claimSeq int64, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE intents SET claim_seq = claim_seq + 1, claimed_at_unix_ns = ?, updated_at_unix_ns = ?
WHERE id = ? AND status = ? AND claim_seq = ?
`, now.UnixNano(), now.UnixNano(), id, string(intent.Validating), claimSeq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqliteTx) Update(ctx context.Context, id string, f intent.Fields, now time.Time) error {
	sets := []string{"updated_at_unix_ns = ?"}
	args := []any{now.UnixNano()}
	if f.Decision != nil {
		decision, reasons, needsHuman := decisionColumns(*f.Decision)
		flag := 0
		if needsHuman {
			flag = 1
		}
		sets = append(sets, "sgl_decision = ?", "sgl_reasons = ?", "sgl_needs_human = ?")
		args = append(args, decision, string(reasons), flag)
	}
	if f.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *f.LastError)
	}
	args = append(args, id)
	res, err := t.tx.ExecContext(ctx, `UPDATE intents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return intent.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e audit.Entry) (string, error) {
	e, err := audit.Prepare(e, t.now())
	if err != nil {
		return "", err
	}
	if t.redactor != nil {
		e = t.redactor.Apply(e)
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO audit_log (id, tenant_id, actor_type, actor_id, action, entity_type, entity_id, status, metadata, created_at_unix_ns, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_log))
`, e.ID, e.TenantID, string(e.ActorType), e.ActorID, e.Action, e.EntityType, e.EntityID, string(e.Status), string(e.Metadata), e.CreatedAt.UnixNano())
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Append writes e outside any intent transaction. It makes SQLiteStore an audit.Sink.
func (s *SQLiteStore) Append(ctx context.Context, e audit.Entry) (string, error) {
	var id string
	err := s.InTx(ctx, func(tx intent.Tx) error {
		var err error
		id, err = tx.AppendAudit(ctx, e)
		return err
	})
	return id, err
}

func (s *SQLiteStore) QueryBySlugPrefix(ctx context.Context, tenantID string, prefixes []string, limit int, order kb.Order) ([]kb.Doc, error) {
	if len(prefixes) == 0 || limit <= 0 {
		return []kb.Doc{}, nil
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	conds := make([]string, 0, len(prefixes))
	args := []any{tenantID}
	for _, p := range prefixes {
		conds = append(conds, `substr(slug, 1, length(?)) = ?`)
		args = append(args, p, p)
	}
	orderBy := "updated_at_unix_ns DESC, slug ASC"
	if order == kb.OrderSlugAsc {
		orderBy = "slug ASC"
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant_id, slug, title, body, updated_at_unix_ns FROM kb_documents
WHERE tenant_id = ? AND (`+strings.Join(conds, " OR ")+`)
ORDER BY `+orderBy+`
LIMIT ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []kb.Doc{}
	for rows.Next() {
		var (
			d         kb.Doc
			updatedAt int64
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Slug, &d.Title, &d.Body, &updatedAt); err != nil {
			return nil, err
		}
		d.UpdatedAt = fromUnixNano(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SearchChunks scores chunks by how many query terms they contain. It is a stand-in for
// the Postgres full-text index.
func (s *SQLiteStore) SearchChunks(ctx context.Context, tenantID, query string, limit int) ([]kb.Chunk, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []kb.Chunk{}, nil
	}
	if limit <= 0 {
		limit = kb.DefaultChunkLimit
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	scoreParts := make([]string, 0, len(terms))
	args := []any{}
	for _, term := range terms {
		scoreParts = append(scoreParts, `(instr(lower(c.content), ?) > 0)`)
		args = append(args, term)
	}
	score := strings.Join(scoreParts, " + ")
	args = append(args, tenantID, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, slug, content, score FROM (
  SELECT c.doc_id AS doc_id, d.slug AS slug, c.content AS content, c.ord AS ord, (`+score+`) AS score
  FROM kb_chunks c JOIN kb_documents d ON d.id = c.doc_id
  WHERE c.tenant_id = ?
)
WHERE score > 0
ORDER BY score DESC, slug ASC, ord ASC
LIMIT ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []kb.Chunk{}
	for rows.Next() {
		var (
			c   kb.Chunk
			hit int
		)
		if err := rows.Scan(&c.DocID, &c.Slug, &c.Content, &hit); err != nil {
			return nil, err
		}
		c.Score = float64(hit) / float64(len(terms))
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertDocument(ctx context.Context, d kb.Doc) (kb.Doc, error) {
	if strings.TrimSpace(d.TenantID) == "" || strings.TrimSpace(d.Slug) == "" {
		return d, fmt.Errorf("tenant and slug required")
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now()
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer func() { _ = tx.Rollback() }()
	candidate := d.ID
	if candidate == "" {
		candidate = uuid.NewString()
	}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO kb_documents (id, tenant_id, slug, title, body, updated_at_unix_ns) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, slug) DO UPDATE SET title = excluded.title, body = excluded.body, updated_at_unix_ns = excluded.updated_at_unix_ns
RETURNING id
`, candidate, d.TenantID, d.Slug, d.Title, d.Body, d.UpdatedAt.UnixNano()).Scan(&d.ID); err != nil {
		return d, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE doc_id = ?`, d.ID); err != nil {
		return d, err
	}
	for i, part := range Paragraphs(d.Body) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kb_chunks (id, tenant_id, doc_id, ord, content) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), d.TenantID, d.ID, i, part); err != nil {
			return d, err
		}
	}
	return d, tx.Commit()
}
