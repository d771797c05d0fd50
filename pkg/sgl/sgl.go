// Package sgl is the safety/governance layer: a pure rule gate that classifies a
// proposed action as ALLOW, REVIEW or BLOCK before anything is executed.
package sgl

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Verdict string

const (
	Allow  Verdict = "ALLOW"
	Review Verdict = "REVIEW"
	Block  Verdict = "BLOCK"
)

// Reason codes, in rule priority order.
const (
	ReasonOnlyAtlasExecutes = "ONLY_ATLAS_EXECUTES"
	ReasonRegulatedAction   = "REGULATED_ACTION"
	ReasonBrowserAutomation = "BROWSER_AUTOMATION"
	ReasonPHIPresent        = "PHI_PRESENT"
	ReasonSpendThreshold    = "SPEND_THRESHOLD"
)

// ExecutorActor is the only actor allowed to carry out governed actions.
const ExecutorActor = "ATLAS"

const (
	TypeGovFilingIRS       = "GOV_FILING_IRS"
	TypeBankTransfer       = "BANK_TRANSFER"
	TypeCryptoTradeExecute = "CRYPTO_TRADE_EXECUTE"
	TypeBrowserTask        = "BROWSER_TASK"
)

const DataClassPHI = "PHI"

const DefaultSpendThresholdUSD = 250.0

var ErrInvalidConfig = errors.New("invalid sgl config")

type Input struct {
	TenantID  string
	Actor     string
	Type      string
	DataClass string
	SpendUSD  float64
}

type Decision struct {
	Verdict    Verdict  `json:"decision"`
	Reasons    []string `json:"reasons"`
	NeedsHuman bool     `json:"needsHuman"`
}

type Config struct {
	SpendThresholdUSD float64
	RegulatedTypes    []string
}

func DefaultConfig() Config {
	return Config{
		SpendThresholdUSD: DefaultSpendThresholdUSD,
		RegulatedTypes:    []string{TypeGovFilingIRS, TypeBankTransfer, TypeCryptoTradeExecute},
	}
}

type Evaluator struct {
	spendThreshold float64
	regulated      map[string]struct{}
}

// NewEvaluator validates cfg. A bad threshold is a startup failure, never a per-intent one.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if math.IsNaN(cfg.SpendThresholdUSD) || math.IsInf(cfg.SpendThresholdUSD, 0) || cfg.SpendThresholdUSD <= 0 {
		return nil, fmt.Errorf("%w: spend threshold must be a positive number, got %v", ErrInvalidConfig, cfg.SpendThresholdUSD)
	}
	if len(cfg.RegulatedTypes) == 0 {
		return nil, fmt.Errorf("%w: regulated type set is empty", ErrInvalidConfig)
	}
	regulated := make(map[string]struct{}, len(cfg.RegulatedTypes))
	for _, t := range cfg.RegulatedTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		regulated[t] = struct{}{}
	}
	return &Evaluator{spendThreshold: cfg.SpendThresholdUSD, regulated: regulated}, nil
}

func (e *Evaluator) SpendThreshold() float64 { return e.spendThreshold }

// Evaluate applies the rules in fixed priority order; the first match wins.
func (e *Evaluator) Evaluate(in Input) Decision {
	if in.Actor != ExecutorActor {
		return Decision{Verdict: Block, Reasons: []string{ReasonOnlyAtlasExecutes}}
	}
	if _, ok := e.regulated[in.Type]; ok {
		return review(ReasonRegulatedAction)
	}
	if in.Type == TypeBrowserTask {
		return review(ReasonBrowserAutomation)
	}
	if in.DataClass == DataClassPHI {
		return review(ReasonPHIPresent)
	}
	if in.SpendUSD >= e.spendThreshold {
		return review(ReasonSpendThreshold)
	}
	return Decision{Verdict: Allow, Reasons: []string{}}
}

func review(reason string) Decision {
	return Decision{Verdict: Review, Reasons: []string{reason}, NeedsHuman: true}
}

var defaultEvaluator, _ = NewEvaluator(DefaultConfig())

// Evaluate runs the default rule set.
func Evaluate(in Input) Decision {
	return defaultEvaluator.Evaluate(in)
}

func ParseVerdict(raw string) (Verdict, bool) {
	switch Verdict(strings.ToUpper(strings.TrimSpace(raw))) {
	case Allow:
		return Allow, true
	case Review:
		return Review, true
	case Block:
		return Block, true
	default:
		return "", false
	}
}
