package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"atlasux/pkg/audit"
	"atlasux/pkg/events"
	"atlasux/pkg/intent"
	"atlasux/pkg/metrics"
	"atlasux/pkg/packets"
)

const RoleApprover = "approver"

const defaultExecutorID = "executor"

var (
	ErrForbidden          = errors.New("actor is not allowed to decide intents")
	ErrSeparationOfDuties = errors.New("approver must not be the intent creator")
	ErrIdempotencyPending = errors.New("idempotency key is held by an unfinished request")
)

// Reserver maps idempotency keys to intent ids. store.Idempotency satisfies it.
type Reserver interface {
	Reserve(ctx context.Context, tenantID, key, intentID string) (existing string, reserved bool, err error)
	Release(ctx context.Context, tenantID, key string) error
}

// Actor is the authenticated caller of a human decision.
type Actor struct {
	ID    string
	Roles []string
}

func (a Actor) HasRole(role string) bool {
	return slices.ContainsFunc(a.Roles, func(r string) bool { return strings.EqualFold(strings.TrimSpace(r), role) })
}

// Service applies the transitions that do not come from the tick worker.
type Service struct {
	Store       intent.Store
	Packets     *packets.Set
	Idempotency Reserver
	Now         func() time.Time
	Metrics     *metrics.Registry
	Events      events.Emitter
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) metrics() *metrics.Registry {
	if s.Metrics != nil {
		return s.Metrics
	}
	return discardMetrics
}

type CreateRequest struct {
	intent.DraftInput
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Create stores a new DRAFT intent with its creation audit entry. A repeated
// idempotency key returns the intent it first created and replayed=true.
func (s *Service) Create(ctx context.Context, req CreateRequest) (created intent.Intent, replayed bool, err error) {
	in, err := intent.New(req.DraftInput, s.now())
	if err != nil {
		return intent.Intent{}, false, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" && s.Idempotency != nil {
		existing, reserved, err := s.Idempotency.Reserve(ctx, in.TenantID, key, in.ID)
		if err != nil {
			return intent.Intent{}, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			prior, err := s.Store.Get(ctx, in.TenantID, existing)
			if errors.Is(err, intent.ErrNotFound) {
				return intent.Intent{}, false, ErrIdempotencyPending
			}
			if err != nil {
				return intent.Intent{}, false, err
			}
			return prior, true, nil
		}
		defer func() {
			if err != nil {
				if relErr := s.Idempotency.Release(context.WithoutCancel(ctx), in.TenantID, key); relErr != nil {
					log.Printf("engine release idempotency key tenant=%s: %v", in.TenantID, relErr)
				}
			}
		}()
	}

	err = s.Store.InTx(ctx, func(tx intent.Tx) error {
		if err := tx.Insert(ctx, in); err != nil {
			return err
		}
		_, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   in.TenantID,
			ActorType:  creatorActorType(in.CreatedBy),
			ActorID:    in.CreatedBy,
			Action:     audit.ActionIntentCreated,
			EntityType: audit.EntityIntent,
			EntityID:   in.ID,
			Metadata: audit.Meta(map[string]any{
				"intentType":  in.Type,
				"actor":       in.Actor,
				"payloadHash": in.PayloadHash,
				"to":          intent.Draft,
			}),
		})
		return err
	})
	if err != nil {
		return intent.Intent{}, false, fmt.Errorf("create intent: %w", err)
	}
	if s.Events != nil {
		e := events.NewEvent(events.TypeIntentCreated, map[string]string{"intentType": in.Type})
		e.TenantID, e.IntentID, e.To, e.Actor = in.TenantID, in.ID, string(intent.Draft), in.CreatedBy
		s.Events.Emit(ctx, e)
	}
	return in, false, nil
}

func creatorActorType(createdBy string) audit.ActorType {
	if strings.TrimSpace(createdBy) == "" {
		return audit.ActorSystem
	}
	return audit.ActorHuman
}

// Approve moves a reviewed intent to APPROVED and attaches its advisory packets.
func (s *Service) Approve(ctx context.Context, tenantID, id string, by Actor, note string) (intent.Intent, error) {
	return s.decide(ctx, tenantID, id, by, note, intent.EventApprove)
}

// Reject moves a reviewed intent to REJECTED.
func (s *Service) Reject(ctx context.Context, tenantID, id string, by Actor, note string) (intent.Intent, error) {
	return s.decide(ctx, tenantID, id, by, note, intent.EventReject)
}

func (s *Service) decide(ctx context.Context, tenantID, id string, by Actor, note string, event intent.Event) (intent.Intent, error) {
	if strings.TrimSpace(by.ID) == "" || !by.HasRole(RoleApprover) {
		return intent.Intent{}, ErrForbidden
	}
	action := audit.ActionHumanApproved
	if event == intent.EventReject {
		action = audit.ActionHumanRejected
	}
	var before, after intent.Intent
	now := s.now()
	err := s.Store.InTx(ctx, func(tx intent.Tx) error {
		cur, err := tx.Get(ctx, tenantID, id)
		if err != nil {
			return err
		}
		before = cur
		if cur.CreatedBy != "" && strings.EqualFold(cur.CreatedBy, strings.TrimSpace(by.ID)) {
			return ErrSeparationOfDuties
		}
		next, err := intent.Next(cur.Status, event)
		if err != nil {
			return fmt.Errorf("%w: intent is %s", err, cur.Status)
		}
		meta := map[string]any{"from": cur.Status, "to": next, "note": strings.TrimSpace(note)}
		if next == intent.Approved {
			payload, err := cur.Decode()
			if err != nil {
				return err
			}
			meta["packets"] = s.packetSet().Run(packets.SubjectFor(cur, payload)).Packets
		}
		ok, err := tx.CompareAndSwapStatus(ctx, id, cur.Status, next, now)
		if err != nil {
			return err
		}
		if !ok {
			return intent.ErrConflict
		}
		if _, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   tenantID,
			ActorType:  audit.ActorHuman,
			ActorID:    by.ID,
			Action:     action,
			EntityType: audit.EntityIntent,
			EntityID:   id,
			Metadata:   audit.Meta(meta),
		}); err != nil {
			return err
		}
		after, err = tx.Get(ctx, tenantID, id)
		return err
	})
	if err != nil {
		return intent.Intent{}, err
	}
	s.metrics().IncTransition(string(before.Status), string(after.Status))
	emitTransition(ctx, s.Events, after, before.Status, after.Status, by.ID, map[string]string{"note": note})
	return after, nil
}

func (s *Service) packetSet() *packets.Set {
	if s.Packets != nil {
		return s.Packets
	}
	set, _ := packets.NewSet(packets.DefaultConfig())
	return set
}

// ExecutionReport is an external executor's callback about an APPROVED intent.
type ExecutionReport struct {
	TenantID string        `json:"tenantId"`
	IntentID string        `json:"intentId"`
	Status   intent.Status `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Executor string        `json:"executor,omitempty"`
}

// ReportExecution applies an executor report. Reports are idempotent: repeating one, or
// reporting EXECUTING after the intent already finished, changes nothing. EXECUTED
// reported straight from APPROVED passes through EXECUTING.
func (s *Service) ReportExecution(ctx context.Context, r ExecutionReport) (intent.Intent, error) {
	if _, ok := intent.ExecutorEvent(r.Status); !ok {
		return intent.Intent{}, fmt.Errorf("%w: executors may report EXECUTING, EXECUTED or FAILED, got %q", intent.ErrInvalidTransition, r.Status)
	}
	executor := strings.TrimSpace(r.Executor)
	if executor == "" {
		executor = defaultExecutorID
	}
	var (
		result intent.Intent
		steps  []intent.Status
		from   intent.Status
	)
	now := s.now()
	err := s.Store.InTx(ctx, func(tx intent.Tx) error {
		cur, err := tx.Get(ctx, r.TenantID, r.IntentID)
		if err != nil {
			return err
		}
		from = cur.Status
		if cur.Status == r.Status || (r.Status == intent.Executing && (cur.Status == intent.Executed || cur.Status == intent.Failed)) {
			result = cur
			return nil
		}
		steps, err = executionSteps(cur.Status, r.Status)
		if err != nil {
			return err
		}
		if r.Status == intent.Failed {
			detail := strings.TrimSpace(r.Detail)
			if detail == "" {
				detail = "executor reported failure"
			}
			if err := tx.Update(ctx, cur.ID, intent.Fields{LastError: &detail}, now); err != nil {
				return err
			}
		}
		prev := cur.Status
		for _, step := range steps {
			ok, err := tx.CompareAndSwapStatus(ctx, cur.ID, prev, step, now)
			if err != nil {
				return err
			}
			if !ok {
				return intent.ErrConflict
			}
			status := audit.StatusSuccess
			if step == intent.Failed {
				status = audit.StatusFailed
			}
			if _, err := tx.AppendAudit(ctx, audit.Entry{
				TenantID:   cur.TenantID,
				ActorType:  audit.ActorAgent,
				ActorID:    executor,
				Action:     audit.ActionExecutionReported,
				EntityType: audit.EntityIntent,
				EntityID:   cur.ID,
				Status:     status,
				Metadata:   audit.Meta(map[string]any{"from": prev, "to": step, "reported": r.Status, "detail": r.Detail}),
			}); err != nil {
				return err
			}
			prev = step
		}
		result, err = tx.Get(ctx, cur.TenantID, cur.ID)
		return err
	})
	if err != nil {
		return intent.Intent{}, err
	}
	prev := from
	for _, step := range steps {
		s.metrics().IncTransition(string(prev), string(step))
		emitTransition(ctx, s.Events, result, prev, step, executor, map[string]string{"detail": r.Detail})
		prev = step
	}
	return result, nil
}

// executionSteps only moves intents an executor was handed. Other statuses reachable
// through the same events, such as VALIDATING to FAILED, belong to the worker.
func executionSteps(from, reported intent.Status) ([]intent.Status, error) {
	if from != intent.Approved && from != intent.Executing {
		return nil, fmt.Errorf("%w: cannot report %s for an intent in %s", intent.ErrInvalidTransition, reported, from)
	}
	if from == intent.Approved && reported == intent.Executed {
		return []intent.Status{intent.Executing, intent.Executed}, nil
	}
	event, _ := intent.ExecutorEvent(reported)
	next, err := intent.Next(from, event)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot report %s for an intent in %s", err, reported, from)
	}
	return []intent.Status{next}, nil
}
