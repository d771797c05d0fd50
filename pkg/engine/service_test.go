package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"atlasux/pkg/audit"
	"atlasux/pkg/intent"
	"atlasux/pkg/sgl"
)

var approver = Actor{ID: "bob", Roles: []string{"viewer", "Approver"}}

func (f *fixture) awaitingTransfer(t *testing.T) intent.Intent {
	t.Helper()
	in := f.create(t, "t1", "alice", sgl.ExecutorActor, "BANK_TRANSFER", `{"spendUsd":5000,"amountUsd":5000,"currency":"USD","beneficiary":"ACME"}`)
	res, err := f.worker.Tick(context.Background(), "t1")
	if err != nil || res.Status != intent.AwaitingHuman {
		t.Fatalf("expected AWAITING_HUMAN, got %+v err=%v", res, err)
	}
	return in
}

func (f *fixture) approvedChat(t *testing.T) intent.Intent {
	t.Helper()
	in := f.create(t, "t1", "alice", sgl.ExecutorActor, "CHAT_CALL", `{}`)
	res, err := f.worker.Tick(context.Background(), "t1")
	if err != nil || res.Status != intent.Approved {
		t.Fatalf("expected APPROVED, got %+v err=%v", res, err)
	}
	return in
}

func TestCreateValidatesAndAudits(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Create(context.Background(), CreateRequest{DraftInput: intent.DraftInput{
		TenantID: "t1", Actor: sgl.ExecutorActor, Type: "CHAT_CALL", Payload: json.RawMessage(`{"spendUsd":-1}`),
	}})
	if !errors.Is(err, intent.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	in := f.create(t, "t1", "", sgl.ExecutorActor, "chat_call", `{"summary":"hi"}`)
	if in.Status != intent.Draft || in.Type != "CHAT_CALL" {
		t.Fatalf("unexpected intent: %+v", in)
	}
	entry, meta := f.lastAudit(t, in, audit.ActionIntentCreated)
	if entry.ActorType != audit.ActorSystem || meta.To != string(intent.Draft) {
		t.Fatalf("unexpected creation audit: %+v %+v", entry, meta)
	}
}

func TestCreateIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{
		DraftInput:     intent.DraftInput{TenantID: "t1", CreatedBy: "alice", Actor: sgl.ExecutorActor, Type: "CHAT_CALL", Payload: json.RawMessage(`{}`)},
		IdempotencyKey: "req-42",
	}
	first, replayed, err := f.svc.Create(ctx, req)
	if err != nil || replayed {
		t.Fatalf("first create: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := f.svc.Create(ctx, req)
	if err != nil || !replayed || second.ID != first.ID {
		t.Fatalf("replay: id=%s replayed=%v err=%v", second.ID, replayed, err)
	}
	list, err := f.db.List(ctx, intent.ListFilter{TenantID: "t1"})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one stored intent, got %d err=%v", len(list), err)
	}

	req.TenantID = "t2"
	other, replayed, err := f.svc.Create(ctx, req)
	if err != nil || replayed || other.ID == first.ID {
		t.Fatalf("keys are tenant scoped: replayed=%v err=%v", replayed, err)
	}
}

func TestCreateReleasesKeyWhenInsertFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{
		DraftInput:     intent.DraftInput{TenantID: "t1", CreatedBy: "alice", Actor: sgl.ExecutorActor, Type: "CHAT_CALL"},
		IdempotencyKey: "retry-me",
	}
	f.faulty.failOn(audit.ActionIntentCreated)
	if _, _, err := f.svc.Create(ctx, req); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	f.faulty.failOn()
	in, replayed, err := f.svc.Create(ctx, req)
	if err != nil || replayed || in.ID == "" {
		t.Fatalf("retry after failure should create, got replayed=%v err=%v", replayed, err)
	}
}

func TestApproveEnforcesRoleAndSeparationOfDuties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.awaitingTransfer(t)

	if _, err := f.svc.Approve(ctx, "t1", in.ID, Actor{ID: "bob"}, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, "t1", in.ID, Actor{ID: "alice", Roles: []string{RoleApprover}}, ""); !errors.Is(err, ErrSeparationOfDuties) {
		t.Fatalf("expected ErrSeparationOfDuties, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, "t1", "missing", approver, ""); !errors.Is(err, intent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := f.svc.Approve(ctx, "t1", in.ID, approver, "verified beneficiary")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != intent.Approved {
		t.Fatalf("status = %s, want APPROVED", got.Status)
	}
	entry, meta := f.lastAudit(t, in, audit.ActionHumanApproved)
	if entry.ActorType != audit.ActorHuman || entry.ActorID != "bob" {
		t.Fatalf("unexpected approval audit actor: %+v", entry)
	}
	if meta.From != string(intent.AwaitingHuman) || len(meta.Packets) != 5 {
		t.Fatalf("approval must carry packets: %+v", meta)
	}

	if _, err := f.svc.Approve(ctx, "t1", in.ID, approver, ""); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("second approval: expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveRejectsAgentDecidedIntents(t *testing.T) {
	f := newFixture(t)
	in := f.create(t, "t1", "alice", "OTHER", "CHAT_CALL", `{}`)
	if _, err := f.worker.Tick(context.Background(), "t1"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := f.svc.Approve(context.Background(), "t1", in.ID, approver, ""); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("blocked intents cannot be approved, got %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.awaitingTransfer(t)
	got, err := f.svc.Reject(ctx, "t1", in.ID, approver, "wrong account")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != intent.Rejected || !intent.IsTerminal(got.Status) {
		t.Fatalf("status = %s, want terminal REJECTED", got.Status)
	}
	if entry, _ := f.lastAudit(t, in, audit.ActionHumanRejected); entry.ActorID != "bob" {
		t.Fatalf("unexpected rejection audit: %+v", entry)
	}
	if _, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: intent.Executing}); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("rejected intents cannot execute, got %v", err)
	}
}

func TestReportExecutionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.approvedChat(t)
	report := ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: intent.Executed, Executor: "runner-1"}

	got, err := f.svc.ReportExecution(ctx, report)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got.Status != intent.Executed {
		t.Fatalf("status = %s, want EXECUTED", got.Status)
	}
	before := len(f.auditActions(t, in))

	if _, err := f.svc.ReportExecution(ctx, report); err != nil {
		t.Fatalf("repeat report: %v", err)
	}
	late := report
	late.Status = intent.Executing
	if got, err := f.svc.ReportExecution(ctx, late); err != nil || got.Status != intent.Executed {
		t.Fatalf("late EXECUTING report must be ignored, got %s err=%v", got.Status, err)
	}
	if after := len(f.auditActions(t, in)); after != before {
		t.Fatalf("replayed reports wrote %d audit entries", after-before)
	}
	entry, meta := f.lastAudit(t, in, audit.ActionExecutionReported)
	if entry.ActorType != audit.ActorAgent || entry.ActorID != "runner-1" || meta.To != string(intent.Executed) {
		t.Fatalf("unexpected execution audit: %+v %+v", entry, meta)
	}
}

func TestReportExecutionFailureRecordsDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.approvedChat(t)
	if _, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: intent.Executing}); err != nil {
		t.Fatalf("executing: %v", err)
	}
	got, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: intent.Failed, Detail: "provider timeout"})
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if got.Status != intent.Failed || got.LastError != "provider timeout" {
		t.Fatalf("unexpected intent: %+v", got)
	}
	entry, _ := f.lastAudit(t, in, audit.ActionExecutionReported)
	if entry.Status != audit.StatusFailed || entry.ActorID != defaultExecutorID {
		t.Fatalf("unexpected failure audit: %+v", entry)
	}
}

func TestReportExecutionRejectsUnknownStatusAndEarlyReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: "x", Status: intent.Approved}); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	in := f.awaitingTransfer(t)
	if _, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: intent.Executed}); !errors.Is(err, intent.ErrInvalidTransition) {
		t.Fatalf("intent awaiting a human cannot execute, got %v", err)
	}
}

func TestReportExecutionIgnoresIntentsStillBeingEvaluated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.create(t, "t1", "alice", sgl.ExecutorActor, "CHAT_CALL", `{}`)
	claimed, ok, err := f.worker.claim(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	for _, st := range []intent.Status{intent.Failed, intent.Executed, intent.Executing} {
		if _, err := f.svc.ReportExecution(ctx, ExecutionReport{TenantID: "t1", IntentID: in.ID, Status: st}); !errors.Is(err, intent.ErrInvalidTransition) {
			t.Fatalf("report %s on a VALIDATING intent: expected ErrInvalidTransition, got %v", st, err)
		}
	}
	if got := f.get(t, in); got.Status != intent.Validating || got.LastError != "" {
		t.Fatalf("rejected report must not write, got %+v", got)
	}
	res, err := f.worker.advance(ctx, claimed)
	if err != nil || res.Status != intent.Approved {
		t.Fatalf("worker must still evaluate the intent, got %+v err=%v", res, err)
	}
	if got := f.get(t, in); got.SGLDecision != sgl.Allow {
		t.Fatalf("expected an SGL decision, got %+v", got)
	}
}

func TestActorHasRole(t *testing.T) {
	tests := []struct {
		roles []string
		want  bool
	}{
		{nil, false},
		{[]string{"viewer"}, false},
		{[]string{" approver "}, true},
		{[]string{"APPROVER"}, true},
	}
	for _, tt := range tests {
		if got := (Actor{ID: "x", Roles: tt.roles}).HasRole(RoleApprover); got != tt.want {
			t.Fatalf("HasRole(%v) = %v, want %v", tt.roles, got, tt.want)
		}
	}
}
