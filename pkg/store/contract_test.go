package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/intent"
	"atlasux/pkg/sgl"
)

func newDraft(t *testing.T, tenant string, created time.Time) intent.Intent {
	t.Helper()
	in, err := intent.New(intent.DraftInput{
		TenantID:  tenant,
		CreatedBy: "user-1",
		Actor:     sgl.ExecutorActor,
		Type:      intent.TypeChatCall,
		Payload:   json.RawMessage(`{"summary":"say hi"}`),
	}, created)
	if err != nil {
		t.Fatalf("new intent: %v", err)
	}
	return in
}

func insert(t *testing.T, s intent.Store, in intent.Intent) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx intent.Tx) error {
		if err := tx.Insert(context.Background(), in); err != nil {
			return err
		}
		_, err := tx.AppendAudit(context.Background(), audit.Entry{
			TenantID: in.TenantID, ActorType: audit.ActorHuman, ActorID: in.CreatedBy,
			Action: audit.ActionIntentCreated, EntityType: audit.EntityIntent, EntityID: in.ID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// runStoreContract exercises the intent.Store behaviour every backend must share.
func runStoreContract(t *testing.T, s intent.Store) {
	ctx := context.Background()
	tenant := fmt.Sprintf("tenant-%d", time.Now().UnixNano())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.FindOldest(ctx, tenant, intent.Draft); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("empty store: expected ErrNotFound, got %v", err)
	}

	older := newDraft(t, tenant, base)
	newer := newDraft(t, tenant, base.Add(time.Second))
	insert(t, s, newer)
	insert(t, s, older)

	got, err := s.FindOldest(ctx, tenant, intent.Draft)
	if err != nil {
		t.Fatalf("find oldest: %v", err)
	}
	if got.ID != older.ID {
		t.Fatalf("expected oldest %s, got %s", older.ID, got.ID)
	}
	if string(got.Payload) == "" || got.Status != intent.Draft || !got.CreatedAt.Equal(base) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	err = s.InTx(ctx, func(tx intent.Tx) error {
		return tx.Insert(ctx, older)
	})
	if !errors.Is(err, intent.ErrConflict) {
		t.Fatalf("duplicate insert: expected ErrConflict, got %v", err)
	}

	claimAt := base.Add(time.Minute)
	var first, second bool
	if err := s.InTx(ctx, func(tx intent.Tx) error {
		var err error
		first, err = tx.CompareAndSwapStatus(ctx, older.ID, intent.Draft, intent.Validating, claimAt)
		return err
	}); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := s.InTx(ctx, func(tx intent.Tx) error {
		var err error
		second, err = tx.CompareAndSwapStatus(ctx, older.ID, intent.Draft, intent.Validating, claimAt)
		return err
	}); err != nil {
		t.Fatalf("second cas: %v", err)
	}
	if !first || second {
		t.Fatalf("expected exactly one successful claim, first=%v second=%v", first, second)
	}
	claimed, _ := s.Get(ctx, tenant, older.ID)
	if claimed.Status != intent.Validating || claimed.ClaimSeq != 1 || claimed.ClaimedAt == nil || !claimed.ClaimedAt.Equal(claimAt) {
		t.Fatalf("claim not stamped: %+v", claimed)
	}

	err = s.InTx(ctx, func(tx intent.Tx) error {
		_, err := tx.CompareAndSwapStatus(ctx, newer.ID, intent.Draft, intent.Approved, claimAt)
		return err
	})
	if !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.FindStaleClaim(ctx, tenant, claimAt); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("fresh claim must not be stale, got %v", err)
	}
	stale, err := s.FindStaleClaim(ctx, tenant, claimAt.Add(time.Second))
	if err != nil || stale.ID != older.ID {
		t.Fatalf("expected stale claim %s, got %+v err=%v", older.ID, stale, err)
	}
	var reclaimed, reclaimedAgain bool
	_ = s.InTx(ctx, func(tx intent.Tx) error {
		var err error
		reclaimed, err = tx.ReclaimClaim(ctx, older.ID, stale.ClaimSeq, claimAt.Add(2*time.Minute))
		if err != nil {
			return err
		}
		reclaimedAgain, err = tx.ReclaimClaim(ctx, older.ID, stale.ClaimSeq, claimAt.Add(2*time.Minute))
		return err
	})
	if !reclaimed || reclaimedAgain {
		t.Fatalf("reclaim must succeed once, got %v/%v", reclaimed, reclaimedAgain)
	}

	decision := sgl.Decision{Verdict: sgl.Review, Reasons: []string{sgl.ReasonSpendThreshold}, NeedsHuman: true}
	lastErr := "none"
	if err := s.InTx(ctx, func(tx intent.Tx) error {
		if err := tx.Update(ctx, older.ID, intent.Fields{Decision: &decision, LastError: &lastErr}, claimAt); err != nil {
			return err
		}
		ok, err := tx.CompareAndSwapStatus(ctx, older.ID, intent.Validating, intent.AwaitingHuman, claimAt)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("cas lost")
		}
		current, err := tx.Get(ctx, tenant, older.ID)
		if err != nil {
			return err
		}
		if current.Status != intent.AwaitingHuman {
			return fmt.Errorf("tx get sees %s", current.Status)
		}
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := s.Get(ctx, tenant, older.ID)
	if updated.SGLDecision != sgl.Review || len(updated.SGLReasons) != 1 || !updated.SGLNeedsHuman || updated.LastError != "none" {
		t.Fatalf("decision not persisted: %+v", updated)
	}
	if err := s.InTx(ctx, func(tx intent.Tx) error {
		return tx.Update(ctx, "missing", intent.Fields{}, claimAt)
	}); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}

	rollback := newDraft(t, tenant, base.Add(time.Hour))
	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx intent.Tx) error {
		if err := tx.Insert(ctx, rollback); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, err := s.Get(ctx, tenant, rollback.ID); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("rolled back insert must not be visible, got %v", err)
	}

	entries, err := s.ListAudit(ctx, tenant, older.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionIntentCreated || entries[0].ActorType != audit.ActorHuman {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}

	all, err := s.List(ctx, intent.ListFilter{TenantID: tenant})
	if err != nil || len(all) != 2 || all[0].ID != newer.ID {
		t.Fatalf("list newest first: %+v err=%v", all, err)
	}
	parked, _ := s.List(ctx, intent.ListFilter{TenantID: tenant, Status: intent.AwaitingHuman})
	if len(parked) != 1 || parked[0].ID != older.ID {
		t.Fatalf("status filter: %+v", parked)
	}

	if err := s.SetTenantEnabled(ctx, tenant, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !containsString(mustTenants(t, s), tenant) {
		t.Fatal("tenant should be enabled")
	}
	if err := s.SetTenantEnabled(ctx, tenant, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if containsString(mustTenants(t, s), tenant) {
		t.Fatal("tenant should be disabled")
	}
	if err := s.SetTenantEnabled(ctx, " ", true); err == nil {
		t.Fatal("expected error for blank tenant")
	}
}

func mustTenants(t *testing.T, s intent.Store) []string {
	t.Helper()
	ids, err := s.ListEnabledTenants(context.Background())
	if err != nil {
		t.Fatalf("list tenants: %v", err)
	}
	return ids
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
