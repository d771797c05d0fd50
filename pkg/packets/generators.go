package packets

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"atlasux/pkg/intent"
	"atlasux/pkg/sgl"
)

const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

type Risk struct{}

func (Risk) Agent() Agent { return AgentRisk }

func (Risk) Generate(s Subject) Packet {
	level := RiskLow
	notes := []string{}
	raise := func(to, note string) {
		if rank(to) > rank(level) {
			level = to
		}
		notes = append(notes, note)
	}
	switch s.Type {
	case sgl.TypeBankTransfer, sgl.TypeCryptoTradeExecute, sgl.TypeGovFilingIRS:
		raise(RiskHigh, "regulated action type")
	case sgl.TypeBrowserTask:
		raise(RiskMedium, "browser automation acts on third-party sites")
	}
	switch s.Common.DataClass {
	case intent.DataClassPHI:
		raise(RiskHigh, "protected health information in scope")
	case intent.DataClassPII, intent.DataClassConfidential:
		raise(RiskMedium, "sensitive data class "+strings.ToLower(s.Common.DataClass))
	}
	if s.Common.SpendUSD > 0 {
		raise(RiskMedium, fmt.Sprintf("spends $%.2f", s.Common.SpendUSD))
	}
	if len(notes) == 0 {
		notes = append(notes, "no risk signals found")
	}
	return Packet{
		Summary: "risk " + strings.ToLower(level),
		Data:    map[string]any{"level": level, "notes": notes},
	}
}

func rank(level string) int {
	switch level {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

type Research struct{}

func (Research) Agent() Agent { return AgentResearch }

func (Research) Generate(s Subject) Packet {
	want := 1
	switch s.Type {
	case sgl.TypeBankTransfer, sgl.TypeCryptoTradeExecute, sgl.TypeGovFilingIRS:
		want = 2
	}
	have := len(s.Common.Sources)
	missing := want - have
	if missing < 0 {
		missing = 0
	}
	summary := fmt.Sprintf("%d of %d recommended sources cited", have, want)
	if have == 0 {
		summary = "no sources cited"
	}
	return Packet{
		Summary: summary,
		Data: map[string]any{
			"sources":     append([]string{}, s.Common.Sources...),
			"sourceCount": have,
			"recommended": want,
			"missing":     missing,
			"complete":    missing == 0,
		},
	}
}

type Process struct{}

func (Process) Agent() Agent { return AgentProcess }

var processSteps = map[string][]string{
	sgl.TypeBankTransfer:       {"verify beneficiary details", "confirm amount and currency", "check available balance"},
	sgl.TypeCryptoTradeExecute: {"confirm symbol and side", "check position limits", "record execution price"},
	sgl.TypeGovFilingIRS:       {"confirm form type and tax year", "reconcile figures with ledger", "retain filing receipt"},
	sgl.TypeBrowserTask:        {"confirm target url", "review scripted steps", "capture screenshots of each step"},
	intent.TypeChatCall:        {"confirm recipient and channel", "review message copy"},
}

func (Process) Generate(s Subject) Packet {
	steps := []string{"confirm intent summary with requester"}
	steps = append(steps, processSteps[s.Type]...)
	if bt, ok := s.Payload.(intent.BrowserTaskPayload); ok && len(bt.Steps) > 0 {
		steps = append(steps, fmt.Sprintf("walk through %d scripted steps", len(bt.Steps)))
	}
	steps = append(steps, "record outcome in the audit trail")
	return Packet{
		Summary: fmt.Sprintf("%d step checklist", len(steps)),
		Data:    map[string]any{"checklist": steps},
	}
}

type Finance struct {
	ReviewUSD float64
}

func (Finance) Agent() Agent { return AgentFinance }

func (f Finance) Generate(s Subject) Packet {
	threshold := f.ReviewUSD
	if threshold <= 0 {
		threshold = DefaultFinanceReviewUSD
	}
	spend := s.Common.SpendUSD
	if tp, ok := s.Payload.(intent.TransferPayload); ok && tp.AmountUSD > spend {
		spend = tp.AmountUSD
	}
	recommendation := "OK"
	if spend >= threshold {
		recommendation = "REVIEW"
	}
	impact := "none"
	switch {
	case spend >= threshold*10:
		impact = "major"
	case spend >= threshold:
		impact = "significant"
	case spend > 0:
		impact = "minor"
	}
	return Packet{
		Summary: fmt.Sprintf("spend $%.2f, %s impact", spend, impact),
		Data: map[string]any{
			"spendUsd":       spend,
			"thresholdUsd":   threshold,
			"impact":         impact,
			"recommendation": recommendation,
		},
	}
}

const uxMaxSummaryRunes = 280

type UX struct{}

func (UX) Agent() Agent { return AgentUX }

func (UX) Generate(s Subject) Packet {
	guidance := []string{}
	summary := strings.TrimSpace(s.Common.Summary)
	n := utf8.RuneCountInString(summary)
	switch {
	case n == 0:
		guidance = append(guidance, "add a one-line summary so reviewers see what will happen")
	case n > uxMaxSummaryRunes:
		guidance = append(guidance, fmt.Sprintf("shorten the summary to %d characters or fewer", uxMaxSummaryRunes))
	}
	if cc, ok := s.Payload.(intent.ChatCallPayload); ok && cc.Message != "" && strings.ToUpper(cc.Message) == cc.Message && utf8.RuneCountInString(cc.Message) > 8 {
		guidance = append(guidance, "avoid all-caps message copy")
	}
	if s.Common.SpendUSD > 0 {
		guidance = append(guidance, "state the cost in the confirmation copy")
	}
	if len(guidance) == 0 {
		guidance = append(guidance, "copy looks ready")
	}
	return Packet{
		Summary: guidance[0],
		Data:    map[string]any{"guidance": guidance, "summaryLength": n},
	}
}
