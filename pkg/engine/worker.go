// Package engine drives intents through their lifecycle: the tick worker claims and
// evaluates DRAFT intents, the loop schedules ticks across tenants, and Service applies
// creation, human decisions and executor reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/events"
	"atlasux/pkg/intent"
	"atlasux/pkg/metrics"
	"atlasux/pkg/packets"
	"atlasux/pkg/sgl"
	"atlasux/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultLease is how long a VALIDATING claim is honoured before another worker may take it over.
	DefaultLease       = 2 * time.Minute
	DefaultFailTimeout = 10 * time.Second
	claimAttempts      = 3
)

// ErrClaimLost means another worker took over the intent after this one claimed it.
var ErrClaimLost = errors.New("intent claim lost")

var discardMetrics = metrics.NewRegistry()

type TickResult struct {
	Ran      bool          `json:"ran"`
	IntentID string        `json:"intentId,omitempty"`
	Status   intent.Status `json:"status,omitempty"`
	// Parked is set when the intent now waits on a human or has finished.
	Parked   bool          `json:"parked,omitempty"`
}

// Worker processes at most one intent per Tick.
type Worker struct {
	Store     intent.Store
	Evaluator *sgl.Evaluator
	Packets   *packets.Set
	Lease     time.Duration
	// FailTimeout bounds the transaction that records a failed evaluation.
	FailTimeout time.Duration
	Now         func() time.Time
	Metrics     *metrics.Registry
	Events      events.Emitter
	Logf        func(format string, args ...any)
}

func NewWorker(store intent.Store, evaluator *sgl.Evaluator, set *packets.Set) *Worker {
	return &Worker{Store: store, Evaluator: evaluator, Packets: set, Lease: DefaultLease}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (w *Worker) metrics() *metrics.Registry {
	if w.Metrics != nil {
		return w.Metrics
	}
	return discardMetrics
}

func (w *Worker) lease() time.Duration {
	if w.Lease > 0 {
		return w.Lease
	}
	return DefaultLease
}

func (w *Worker) evaluator() *sgl.Evaluator {
	if w.Evaluator != nil {
		return w.Evaluator
	}
	ev, _ := sgl.NewEvaluator(sgl.DefaultConfig())
	return ev
}

func (w *Worker) packetSet() *packets.Set {
	if w.Packets != nil {
		return w.Packets
	}
	set, _ := packets.NewSet(packets.DefaultConfig())
	return set
}

// Tick claims the oldest claimable intent of tenantID and moves it out of VALIDATING.
// Ran is false when the tenant had nothing to do. A returned error means nothing was
// committed past the claim; the intent is retried later.
func (w *Worker) Tick(ctx context.Context, tenantID string) (TickResult, error) {
	started := time.Now()
	ctx, span := telemetry.Tracer("atlasux/engine").Start(ctx, "engine.tick",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	res, err := w.tick(ctx, tenantID)
	m := w.metrics()
	m.ObserveLatency("engine.tick", time.Since(started))
	switch {
	case err != nil:
		m.IncTick(metrics.TickError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Ran:
		m.IncTick(metrics.TickIdle)
	case res.Status == intent.Failed:
		m.IncTick(metrics.TickFailed)
	default:
		m.IncTick(metrics.TickRan)
	}
	if res.Ran {
		span.SetAttributes(attribute.String("intent.id", res.IntentID), attribute.String("intent.status", string(res.Status)))
	}
	return res, err
}

func (w *Worker) tick(ctx context.Context, tenantID string) (TickResult, error) {
	claimed, ok, err := w.claim(ctx, tenantID)
	if err != nil || !ok {
		return TickResult{}, err
	}
	return w.advance(ctx, claimed)
}

// candidate returns the next DRAFT intent, or failing that a VALIDATING intent whose lease expired.
func (w *Worker) candidate(ctx context.Context, tenantID string) (intent.Intent, bool, error) {
	in, err := w.Store.FindOldest(ctx, tenantID, intent.Draft)
	if err == nil {
		return in, false, nil
	}
	if !errors.Is(err, intent.ErrNotFound) {
		return intent.Intent{}, false, err
	}
	in, err = w.Store.FindStaleClaim(ctx, tenantID, w.now().Add(-w.lease()))
	if err != nil {
		return intent.Intent{}, false, err
	}
	return in, true, nil
}

func (w *Worker) claim(ctx context.Context, tenantID string) (intent.Intent, bool, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		cand, reclaim, err := w.candidate(ctx, tenantID)
		if errors.Is(err, intent.ErrNotFound) {
			return intent.Intent{}, false, nil
		}
		if err != nil {
			return intent.Intent{}, false, fmt.Errorf("find claimable intent: %w", err)
		}

		var claimed intent.Intent
		won := false
		now := w.now()
		err = w.Store.InTx(ctx, func(tx intent.Tx) error {
			var ok bool
			var err error
			if reclaim {
				ok, err = tx.ReclaimClaim(ctx, cand.ID, cand.ClaimSeq, now)
			} else {
				ok, err = tx.CompareAndSwapStatus(ctx, cand.ID, intent.Draft, intent.Validating, now)
			}
			if err != nil || !ok {
				return err
			}
			claimed, err = tx.Get(ctx, cand.TenantID, cand.ID)
			if err != nil {
				return err
			}
			_, err = tx.AppendAudit(ctx, audit.Entry{
				TenantID:   cand.TenantID,
				ActorType:  audit.ActorSystem,
				ActorID:    audit.SystemActorEngine,
				Action:     audit.ActionIntentClaimed,
				EntityType: audit.EntityIntent,
				EntityID:   cand.ID,
				Metadata: audit.Meta(map[string]any{
					"from":     cand.Status,
					"to":       intent.Validating,
					"claimSeq": claimed.ClaimSeq,
					"reclaim":  reclaim,
				}),
			})
			if err != nil {
				return err
			}
			won = true
			return nil
		})
		if err != nil {
			return intent.Intent{}, false, fmt.Errorf("claim intent %s: %w", cand.ID, err)
		}
		if won {
			if reclaim {
				w.logf("engine reclaimed stale intent %s tenant=%s claim_seq=%d", cand.ID, cand.TenantID, claimed.ClaimSeq)
			}
			if cand.Status != intent.Validating {
				w.metrics().IncTransition(string(cand.Status), string(intent.Validating))
			}
			return claimed, true, nil
		}
	}
	return intent.Intent{}, false, nil
}

// fence rejects writes from a worker whose claim was taken over.
func fence(ctx context.Context, tx intent.Tx, claimed intent.Intent) error {
	cur, err := tx.Get(ctx, claimed.TenantID, claimed.ID)
	if err != nil {
		return err
	}
	if cur.Status != intent.Validating || cur.ClaimSeq != claimed.ClaimSeq {
		return ErrClaimLost
	}
	return nil
}

func verdictAuditStatus(v sgl.Verdict) audit.Status {
	switch v {
	case sgl.Allow:
		return audit.StatusSuccess
	case sgl.Block:
		return audit.StatusFailed
	default:
		return audit.StatusPending
	}
}

func (w *Worker) advance(ctx context.Context, in intent.Intent) (TickResult, error) {
	payload, err := in.Decode()
	if err != nil {
		return w.fail(ctx, in, fmt.Errorf("decode payload: %w", err))
	}
	decision := w.evaluator().Evaluate(intent.PolicyInput(in, payload))
	target := intent.ForDecision(decision)
	var bundle *packets.Bundle
	if decision.Verdict == sgl.Allow {
		b := w.packetSet().Run(packets.SubjectFor(in, payload))
		bundle = &b
	}

	now := w.now()
	err = w.Store.InTx(ctx, func(tx intent.Tx) error {
		if err := fence(ctx, tx, in); err != nil {
			return err
		}
		if err := tx.Update(ctx, in.ID, intent.Fields{Decision: &decision}, now); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		if _, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   in.TenantID,
			ActorType:  audit.ActorSystem,
			ActorID:    audit.SystemActorEngine,
			Action:     audit.ActionSGLEvaluated,
			EntityType: audit.EntityIntent,
			EntityID:   in.ID,
			Status:     verdictAuditStatus(decision.Verdict),
			Metadata:   audit.Meta(decision),
		}); err != nil {
			return fmt.Errorf("audit decision: %w", err)
		}
		ok, err := tx.CompareAndSwapStatus(ctx, in.ID, intent.Validating, target, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimLost
		}
		meta := map[string]any{
			"from":     intent.Validating,
			"to":       target,
			"decision": decision.Verdict,
			"reasons":  decision.Reasons,
		}
		if bundle != nil {
			meta["packets"] = bundle.Packets
		}
		if _, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   in.TenantID,
			ActorType:  audit.ActorSystem,
			ActorID:    audit.SystemActorEngine,
			Action:     audit.ActionIntentTransition,
			EntityType: audit.EntityIntent,
			EntityID:   in.ID,
			Metadata:   audit.Meta(meta),
		}); err != nil {
			return fmt.Errorf("audit transition: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrClaimLost) {
		return TickResult{Ran: true, IntentID: in.ID, Status: intent.Validating}, fmt.Errorf("advance intent %s: %w", in.ID, err)
	}
	if err != nil {
		return w.fail(ctx, in, err)
	}

	w.metrics().IncDecision(string(decision.Verdict), decision.Reasons...)
	w.metrics().IncTransition(string(intent.Validating), string(target))
	w.emit(ctx, in, intent.Validating, target, map[string]any{"decision": decision})
	return TickResult{Ran: true, IntentID: in.ID, Status: target, Parked: intent.IsParked(target)}, nil
}

// fail records cause on the intent and moves it to FAILED in a fresh transaction. The
// write survives cancellation of ctx. When it cannot be written the intent stays
// VALIDATING and is picked up again once its lease expires.
func (w *Worker) fail(ctx context.Context, in intent.Intent, cause error) (TickResult, error) {
	timeout := w.FailTimeout
	if timeout <= 0 {
		timeout = DefaultFailTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	msg := cause.Error()
	now := w.now()
	err := w.Store.InTx(ctx, func(tx intent.Tx) error {
		if err := fence(ctx, tx, in); err != nil {
			return err
		}
		if err := tx.Update(ctx, in.ID, intent.Fields{LastError: &msg}, now); err != nil {
			return err
		}
		ok, err := tx.CompareAndSwapStatus(ctx, in.ID, intent.Validating, intent.Failed, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClaimLost
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:   in.TenantID,
			ActorType:  audit.ActorSystem,
			ActorID:    audit.SystemActorEngine,
			Action:     audit.ActionIntentFailed,
			EntityType: audit.EntityIntent,
			EntityID:   in.ID,
			Status:     audit.StatusFailed,
			Metadata:   audit.Meta(map[string]any{"from": intent.Validating, "to": intent.Failed, "error": msg}),
		})
		return err
	})
	if err != nil {
		w.logf("ESCALATION engine could not mark intent %s tenant=%s FAILED: %v (cause: %v)", in.ID, in.TenantID, err, cause)
		return TickResult{Ran: true, IntentID: in.ID, Status: intent.Validating}, errors.Join(cause, err)
	}
	w.logf("engine intent %s tenant=%s failed: %v", in.ID, in.TenantID, cause)
	w.metrics().IncTransition(string(intent.Validating), string(intent.Failed))
	w.emit(ctx, in, intent.Validating, intent.Failed, map[string]any{"error": msg})
	return TickResult{Ran: true, IntentID: in.ID, Status: intent.Failed, Parked: true}, nil
}

func (w *Worker) emit(ctx context.Context, in intent.Intent, from, to intent.Status, data any) {
	emitTransition(ctx, w.Events, in, from, to, audit.SystemActorEngine, data)
}

func emitTransition(ctx context.Context, em events.Emitter, in intent.Intent, from, to intent.Status, actor string, data any) {
	if em == nil {
		return
	}
	e := events.NewEvent(events.TypeIntentTransition, data)
	e.TenantID = in.TenantID
	e.IntentID = in.ID
	e.From = string(from)
	e.To = string(to)
	e.Actor = actor
	em.Emit(ctx, e)
}
