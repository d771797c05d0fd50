package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorAgent  ActorType = "AGENT"
	ActorSystem ActorType = "SYSTEM"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
)

const (
	ActionIntentCreated      = "INTENT_CREATED"
	ActionIntentClaimed      = "INTENT_CLAIMED"
	ActionSGLEvaluated       = "SGL_EVALUATED"
	ActionIntentTransition   = "INTENT_TRANSITION"
	ActionHumanApproved      = "INTENT_HUMAN_APPROVED"
	ActionHumanRejected      = "INTENT_HUMAN_REJECTED"
	ActionExecutionReported  = "INTENT_EXECUTION_REPORTED"
	ActionIntentFailed       = "INTENT_FAILED"
	ActionHTTPRequest        = "HTTP_REQUEST"
	EntityIntent             = "intent"
	EntityHTTPRoute          = "http_route"
	SystemActorEngine        = "intent-engine"
)

var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry is a write-once audit record.
type Entry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	ActorType  ActorType       `json:"actorType"`
	ActorID    string          `json:"actorId"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Status     Status          `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Sink accepts audit entries. Governance callers require Append to be synchronous.
type Sink interface {
	Append(ctx context.Context, e Entry) (string, error)
}

// Prepare fills the id, timestamp and default status and checks required fields.
func Prepare(e Entry, now time.Time) (Entry, error) {
	if strings.TrimSpace(e.Action) == "" {
		return e, errors.Join(ErrInvalidEntry, errors.New("action required"))
	}
	switch e.ActorType {
	case ActorHuman, ActorAgent, ActorSystem:
	case "":
		e.ActorType = ActorSystem
	default:
		return e, errors.Join(ErrInvalidEntry, errors.New("unknown actor type "+string(e.ActorType)))
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if len(e.Metadata) == 0 {
		e.Metadata = json.RawMessage(`{}`)
	}
	return e, nil
}

// Meta marshals v for Entry.Metadata. Unmarshalable values degrade to an error note.
func Meta(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"metadata_error": err.Error()})
	}
	return b
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends entries to the audit_log table. DB may be a pool or a pgx.Tx,
// the latter keeping the entry in the caller's transaction.
type Writer struct {
	DB       auditDB
	Redactor *Redactor
	Now      func() time.Time
}

func (w *Writer) Append(ctx context.Context, e Entry) (string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	e, err := Prepare(e, now())
	if err != nil {
		return "", err
	}
	if w.Redactor != nil {
		e = w.Redactor.Apply(e)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_log
		(id, tenant_id, actor_type, actor_id, action, entity_type, entity_id, status, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.TenantID, string(e.ActorType), e.ActorID, e.Action, e.EntityType, e.EntityID, string(e.Status), []byte(e.Metadata), e.CreatedAt)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// List returns entries for one entity, oldest first.
func (w *Writer) List(ctx context.Context, tenantID, entityType, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, tenant_id, actor_type, actor_id, action, entity_type, entity_id, status, metadata, created_at
		FROM audit_log
		WHERE tenant_id=$1 AND entity_type=$2 AND entity_id=$3
		ORDER BY seq ASC
		LIMIT $4
	`, tenantID, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			actorType string
			status    string
			meta      []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &actorType, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &status, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorType = ActorType(actorType)
		e.Status = Status(status)
		e.Metadata = json.RawMessage(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}
