package intent

import (
	"context"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/sgl"
)

// Fields are the mutable non-status columns. Nil members are left untouched.
type Fields struct {
	Decision  *sgl.Decision
	LastError *string
}

type ListFilter struct {
	TenantID string
	Status   Status
	Limit    int
}

// Store is the durable intent store shared by every worker process.
//
// FindOldest and FindStaleClaim return ErrNotFound when nothing matches.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (Intent, error)
	List(ctx context.Context, f ListFilter) ([]Intent, error)
	ListAudit(ctx context.Context, tenantID, intentID string) ([]audit.Entry, error)
	FindOldest(ctx context.Context, tenantID string, status Status) (Intent, error)
	FindStaleClaim(ctx context.Context, tenantID string, claimedBefore time.Time) (Intent, error)
	ListEnabledTenants(ctx context.Context) ([]string, error)
	SetTenantEnabled(ctx context.Context, tenantID string, enabled bool) error
	// InTx runs fn in one transaction. fn returning an error rolls everything back.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write side of the store. Every state change and its audit entry go through one Tx.
type Tx interface {
	Insert(ctx context.Context, in Intent) error
	Get(ctx context.Context, tenantID, id string) (Intent, error)
	// CompareAndSwapStatus moves id from expected to next only if it is still in expected.
	// Moving to VALIDATING also stamps claimed_at and increments claim_seq.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next Status, now time.Time) (bool, error)
	// ReclaimClaim takes over a VALIDATING intent whose claim_seq is still claimSeq.
	ReclaimClaim(ctx context.Context, id string, claimSeq int64, now time.Time) (bool, error)
	Update(ctx context.Context, id string, f Fields, now time.Time) error
	AppendAudit(ctx context.Context, e audit.Entry) (string, error)
}
