package sgl

import (
	"errors"
	"math"
	"testing"
)

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		verdict    Verdict
		reason     string
		needsHuman bool
	}{
		{
			name:    "non_atlas_actor_blocked",
			in:      Input{Actor: "OTHER", Type: "CHAT_CALL"},
			verdict: Block,
			reason:  ReasonOnlyAtlasExecutes,
		},
		{
			name:    "empty_actor_blocked",
			in:      Input{Type: "CHAT_CALL"},
			verdict: Block,
			reason:  ReasonOnlyAtlasExecutes,
		},
		{
			name:    "lowercase_atlas_blocked",
			in:      Input{Actor: "atlas", Type: "CHAT_CALL"},
			verdict: Block,
			reason:  ReasonOnlyAtlasExecutes,
		},
		{
			name:       "regulated_irs_filing",
			in:         Input{Actor: ExecutorActor, Type: TypeGovFilingIRS},
			verdict:    Review,
			reason:     ReasonRegulatedAction,
			needsHuman: true,
		},
		{
			name:       "regulated_crypto_trade",
			in:         Input{Actor: ExecutorActor, Type: TypeCryptoTradeExecute},
			verdict:    Review,
			reason:     ReasonRegulatedAction,
			needsHuman: true,
		},
		{
			name:       "browser_task",
			in:         Input{Actor: ExecutorActor, Type: TypeBrowserTask},
			verdict:    Review,
			reason:     ReasonBrowserAutomation,
			needsHuman: true,
		},
		{
			name:       "phi_present",
			in:         Input{Actor: ExecutorActor, Type: "CHAT_CALL", DataClass: DataClassPHI},
			verdict:    Review,
			reason:     ReasonPHIPresent,
			needsHuman: true,
		},
		{
			name:       "spend_at_threshold",
			in:         Input{Actor: ExecutorActor, Type: "AD_SPEND", SpendUSD: 250},
			verdict:    Review,
			reason:     ReasonSpendThreshold,
			needsHuman: true,
		},
		{
			name:    "spend_below_threshold",
			in:      Input{Actor: ExecutorActor, Type: "AD_SPEND", SpendUSD: 249.99},
			verdict: Allow,
		},
		{
			name:    "chat_call_allowed",
			in:      Input{Actor: ExecutorActor, Type: "CHAT_CALL"},
			verdict: Allow,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Evaluate(tt.in)
			if got.Verdict != tt.verdict {
				t.Fatalf("verdict: got %s want %s", got.Verdict, tt.verdict)
			}
			if got.NeedsHuman != tt.needsHuman {
				t.Fatalf("needsHuman: got %v want %v", got.NeedsHuman, tt.needsHuman)
			}
			if tt.reason == "" {
				if len(got.Reasons) != 0 {
					t.Fatalf("expected no reasons, got %v", got.Reasons)
				}
				return
			}
			if len(got.Reasons) != 1 || got.Reasons[0] != tt.reason {
				t.Fatalf("reasons: got %v want [%s]", got.Reasons, tt.reason)
			}
		})
	}
}

func TestNonAtlasAlwaysBlockedRegardlessOfOtherFields(t *testing.T) {
	types := []string{"CHAT_CALL", TypeBankTransfer, TypeBrowserTask, TypeGovFilingIRS, ""}
	classes := []string{"", DataClassPHI, "PII"}
	spends := []float64{0, 10, 250, 1e6}
	for _, typ := range types {
		for _, class := range classes {
			for _, spend := range spends {
				d := Evaluate(Input{Actor: "AGENT_X", Type: typ, DataClass: class, SpendUSD: spend})
				if d.Verdict != Block || len(d.Reasons) != 1 || d.Reasons[0] != ReasonOnlyAtlasExecutes {
					t.Fatalf("type=%q class=%q spend=%v: got %+v", typ, class, spend, d)
				}
				if d.NeedsHuman {
					t.Fatalf("block must not request a human: %+v", d)
				}
			}
		}
	}
}

func TestSpendThresholdBoundary(t *testing.T) {
	for spend := 0.0; spend < 600; spend += 12.5 {
		d := Evaluate(Input{Actor: ExecutorActor, Type: "MARKETING_BUY", SpendUSD: spend})
		if spend >= DefaultSpendThresholdUSD {
			if d.Verdict != Review || d.Reasons[0] != ReasonSpendThreshold {
				t.Fatalf("spend=%v: expected SPEND_THRESHOLD review, got %+v", spend, d)
			}
			continue
		}
		if d.Verdict != Allow {
			t.Fatalf("spend=%v: expected ALLOW, got %+v", spend, d)
		}
	}
}

func TestRulePriorityRegulatedBeforeSpend(t *testing.T) {
	d := Evaluate(Input{Actor: ExecutorActor, Type: TypeBankTransfer, SpendUSD: 10})
	if d.Verdict != Review || d.Reasons[0] != ReasonRegulatedAction {
		t.Fatalf("expected REGULATED_ACTION, got %+v", d)
	}
	d = Evaluate(Input{Actor: ExecutorActor, Type: TypeBankTransfer, SpendUSD: 5000, DataClass: DataClassPHI})
	if len(d.Reasons) != 1 || d.Reasons[0] != ReasonRegulatedAction {
		t.Fatalf("expected only REGULATED_ACTION, got %+v", d)
	}
	d = Evaluate(Input{Actor: ExecutorActor, Type: TypeBrowserTask, DataClass: DataClassPHI, SpendUSD: 900})
	if d.Reasons[0] != ReasonBrowserAutomation {
		t.Fatalf("expected BROWSER_AUTOMATION first, got %+v", d)
	}
}

func TestNewEvaluatorRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{SpendThresholdUSD: 0, RegulatedTypes: []string{TypeBankTransfer}},
		{SpendThresholdUSD: -1, RegulatedTypes: []string{TypeBankTransfer}},
		{SpendThresholdUSD: math.NaN(), RegulatedTypes: []string{TypeBankTransfer}},
		{SpendThresholdUSD: math.Inf(1), RegulatedTypes: []string{TypeBankTransfer}},
		{SpendThresholdUSD: 100},
	}
	for i, cfg := range bad {
		if _, err := NewEvaluator(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestCustomThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpendThresholdUSD = 1000
	e, err := NewEvaluator(cfg)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	if d := e.Evaluate(Input{Actor: ExecutorActor, Type: "AD_SPEND", SpendUSD: 500}); d.Verdict != Allow {
		t.Fatalf("expected ALLOW below custom threshold, got %+v", d)
	}
	if d := e.Evaluate(Input{Actor: ExecutorActor, Type: "AD_SPEND", SpendUSD: 1000}); d.Verdict != Review {
		t.Fatalf("expected REVIEW at custom threshold, got %+v", d)
	}
}

func TestParseVerdict(t *testing.T) {
	if v, ok := ParseVerdict(" allow "); !ok || v != Allow {
		t.Fatalf("expected ALLOW, got %q %v", v, ok)
	}
	if _, ok := ParseVerdict("maybe"); ok {
		t.Fatal("expected unknown verdict to fail")
	}
}
