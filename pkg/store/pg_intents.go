package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/intent"
	"atlasux/pkg/sgl"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGIntentStore implements intent.Store on Postgres.
type PGIntentStore struct {
	DB       pgDB
	Redactor *audit.Redactor
	Timeout  time.Duration
}

const intentColumns = `id, tenant_id, created_by, actor, intent_type, payload, payload_hash, status,
	sgl_decision, sgl_reasons, sgl_needs_human, last_error, claim_seq, claimed_at, created_at, updated_at`

func scanIntent(row pgx.Row) (intent.Intent, error) {
	var (
		in       intent.Intent
		payload  []byte
		status   string
		decision string
		reasons  []byte
	)
	err := row.Scan(&in.ID, &in.TenantID, &in.CreatedBy, &in.Actor, &in.Type, &payload, &in.PayloadHash, &status,
		&decision, &reasons, &in.SGLNeedsHuman, &in.LastError, &in.ClaimSeq, &in.ClaimedAt, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return intent.Intent{}, intent.ErrNotFound
	}
	if err != nil {
		return intent.Intent{}, err
	}
	in.Payload = payload
	in.Status = intent.Status(status)
	in.SGLDecision = sgl.Verdict(decision)
	in.SGLReasons = decodeReasons(reasons)
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return in, nil
}

func (s *PGIntentStore) Get(ctx context.Context, tenantID, id string) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanIntent(s.DB.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (s *PGIntentStore) List(ctx context.Context, f intent.ListFilter) ([]intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	q := `SELECT ` + intentColumns + ` FROM intents WHERE tenant_id=$1`
	args := []any{f.TenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	args = append(args, listLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []intent.Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *PGIntentStore) ListAudit(ctx context.Context, tenantID, intentID string) ([]audit.Entry, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	w := &audit.Writer{DB: s.DB}
	return w.List(ctx, tenantID, audit.EntityIntent, intentID, 0)
}

func (s *PGIntentStore) FindOldest(ctx context.Context, tenantID string, status intent.Status) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanIntent(s.DB.QueryRow(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE tenant_id=$1 AND status=$2
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, tenantID, string(status)))
}

func (s *PGIntentStore) FindStaleClaim(ctx context.Context, tenantID string, claimedBefore time.Time) (intent.Intent, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return scanIntent(s.DB.QueryRow(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE tenant_id=$1 AND status=$2 AND claimed_at < $3
		ORDER BY claimed_at ASC, id ASC
		LIMIT 1
	`, tenantID, string(intent.Validating), claimedBefore.UTC()))
}

func (s *PGIntentStore) ListEnabledTenants(ctx context.Context) ([]string, error) {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	rows, err := s.DB.Query(ctx, `SELECT tenant_id FROM tenants WHERE engine_enabled ORDER BY tenant_id`)
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

func (s *PGIntentStore) SetTenantEnabled(ctx context.Context, tenantID string, enabled bool) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id required")
	}
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenants (tenant_id, engine_enabled, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET engine_enabled=EXCLUDED.engine_enabled, updated_at=now()
	`, tenantID, enabled)
	return err
}

func (s *PGIntentStore) InTx(ctx context.Context, fn func(intent.Tx) error) error {
	ctx, cancel := boundTimeout(ctx, s.Timeout)
	defer cancel()
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		return fn(&pgIntentTx{tx: tx, audit: &audit.Writer{DB: tx, Redactor: s.Redactor}})
	})
}

type pgIntentTx struct {
	tx    pgx.Tx
	audit *audit.Writer
}

func (t *pgIntentTx) Insert(ctx context.Context, in intent.Intent) error {
	decision, reasons, needsHuman := string(in.SGLDecision), encodeReasons(in.SGLReasons), in.SGLNeedsHuman
	_, err := t.tx.Exec(ctx, `
		INSERT INTO intents (`+intentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, in.ID, in.TenantID, in.CreatedBy, in.Actor, in.Type, []byte(in.Payload), in.PayloadHash, string(in.Status),
		decision, reasons, needsHuman, in.LastError, in.ClaimSeq, in.ClaimedAt, in.CreatedAt, in.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: intent %s exists", intent.ErrConflict, in.ID)
	}
	return err
}

func (t *pgIntentTx) Get(ctx context.Context, tenantID, id string) (intent.Intent, error) {
	return scanIntent(t.tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
}

func (t *pgIntentTx) CompareAndSwapStatus(ctx context.Context, id string, expected, next intent.Status, now time.Time) (bool, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE intents SET
			status=$3,
			updated_at=$4,
			claim_seq=CASE WHEN $3::text='VALIDATING' THEN claim_seq+1 ELSE claim_seq END,
			claimed_at=CASE WHEN $3::text='VALIDATING' THEN $4 ELSE claimed_at END
		WHERE id=$1 AND status=$2
	`, id, string(expected), string(next), now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgIntentTx) ReclaimClaim(ctx context.Context, id string, claimSeq int64, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE intents SET claim_seq=claim_seq+1, claimed_at=$3, updated_at=$3
		WHERE id=$1 AND status='VALIDATING' AND claim_seq=$2
	`, id, claimSeq, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgIntentTx) Update(ctx context.Context, id string, f intent.Fields, now time.Time) error {
	sets := []string{"updated_at=$2"}
	args := []any{id, now.UTC()}
	if f.Decision != nil {
		decision, reasons, needsHuman := decisionColumns(*f.Decision)
		args = append(args, decision, reasons, needsHuman)
		n := len(args)
		sets = append(sets, fmt.Sprintf("sgl_decision=$%d, sgl_reasons=$%d, sgl_needs_human=$%d", n-2, n-1, n))
	}
	if f.LastError != nil {
		args = append(args, *f.LastError)
		sets = append(sets, fmt.Sprintf("last_error=$%d", len(args)))
	}
	tag, err := t.tx.Exec(ctx, `UPDATE intents SET `+strings.Join(sets, ", ")+` WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return intent.ErrNotFound
	}
	return nil
}

func (t *pgIntentTx) AppendAudit(ctx context.Context, e audit.Entry) (string, error) {
	return t.audit.Append(ctx, e)
}
