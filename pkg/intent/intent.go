// Package intent holds the Intent record, its typed payload variants, the lifecycle
// state machine and the store contract the engine runs against.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atlasux/pkg/sgl"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("intent not found")
	ErrConflict = errors.New("intent status changed concurrently")
)

type Intent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	CreatedBy     string          `json:"createdBy"`
	Actor         string          `json:"actor"`
	Type          string          `json:"intentType"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash,omitempty"`
	Status        Status          `json:"status"`
	SGLDecision   sgl.Verdict     `json:"sglDecision,omitempty"`
	SGLReasons    []string        `json:"sglReasons,omitempty"`
	SGLNeedsHuman bool            `json:"sglNeedsHuman,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	ClaimSeq      int64           `json:"claimSeq"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// DraftInput is what a caller submits to create an intent.
type DraftInput struct {
	TenantID  string          `json:"tenantId"`
	CreatedBy string          `json:"createdBy"`
	Actor     string          `json:"actor"`
	Type      string          `json:"intentType"`
	Payload   json.RawMessage `json:"payload"`
}

// New validates in and returns a DRAFT intent stamped with now.
func New(in DraftInput, now time.Time) (Intent, error) {
	tenant := strings.TrimSpace(in.TenantID)
	typ := strings.ToUpper(strings.TrimSpace(in.Type))
	if tenant == "" {
		return Intent{}, fmt.Errorf("%w: tenantId required", ErrInvalidPayload)
	}
	if typ == "" {
		return Intent{}, fmt.Errorf("%w: intentType required", ErrInvalidPayload)
	}
	if _, err := DecodePayload(typ, in.Payload); err != nil {
		return Intent{}, err
	}
	raw := in.Payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	hash, err := PayloadHash(raw)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	now = now.UTC()
	return Intent{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		CreatedBy:   strings.TrimSpace(in.CreatedBy),
		Actor:       strings.TrimSpace(in.Actor),
		Type:        typ,
		Payload:     raw,
		PayloadHash: hash,
		Status:      Draft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode returns the typed payload of in.
func (in Intent) Decode() (Payload, error) {
	return DecodePayload(in.Type, in.Payload)
}
