package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"atlasux/pkg/sgl"
)

var ErrInvalidPayload = errors.New("invalid intent payload")

const (
	DataClassPublic       = "PUBLIC"
	DataClassInternal     = "INTERNAL"
	DataClassConfidential = "CONFIDENTIAL"
	DataClassPII          = "PII"
	DataClassPHI          = sgl.DataClassPHI
)

var knownDataClasses = map[string]struct{}{
	"":                    {},
	DataClassPublic:       {},
	DataClassInternal:     {},
	DataClassConfidential: {},
	DataClassPII:          {},
	DataClassPHI:          {},
}

const TypeChatCall = "CHAT_CALL"

// Common carries the fields every payload variant may set.
type Common struct {
	SpendUSD  float64  `json:"spendUsd,omitempty"`
	DataClass string   `json:"dataClass,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// Payload is the closed set of decoded payload variants.
type Payload interface {
	Base() Common
	validate() error
}

type ChatCallPayload struct {
	Common
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

type TransferPayload struct {
	Common
	AmountUSD   float64 `json:"amountUsd,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Beneficiary string  `json:"beneficiary,omitempty"`
}

type TradePayload struct {
	Common
	Symbol   string  `json:"symbol,omitempty"`
	Side     string  `json:"side,omitempty"`
	Quantity float64 `json:"quantity,omitempty"`
}

type FilingPayload struct {
	Common
	FormType string `json:"formType,omitempty"`
	TaxYear  int    `json:"taxYear,omitempty"`
}

type BrowserTaskPayload struct {
	Common
	URL   string   `json:"url,omitempty"`
	Steps []string `json:"steps,omitempty"`
}

// GenericPayload covers every type without a dedicated variant. Unknown keys are kept.
type GenericPayload struct {
	Common
	Extra map[string]any `json:"-"`
}

func (p ChatCallPayload) Base() Common    { return p.Common }
func (p TransferPayload) Base() Common    { return p.Common }
func (p TradePayload) Base() Common       { return p.Common }
func (p FilingPayload) Base() Common      { return p.Common }
func (p BrowserTaskPayload) Base() Common { return p.Common }
func (p GenericPayload) Base() Common     { return p.Common }

func (p ChatCallPayload) validate() error { return p.Common.validate() }

func (p TransferPayload) validate() error {
	if err := p.Common.validate(); err != nil {
		return err
	}
	if err := nonNegative("amountUsd", p.AmountUSD); err != nil {
		return err
	}
	if p.Currency != "" && len(p.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", p.Currency)
	}
	return nil
}

func (p TradePayload) validate() error {
	if err := p.Common.validate(); err != nil {
		return err
	}
	switch strings.ToUpper(p.Side) {
	case "", "BUY", "SELL":
	default:
		return fmt.Errorf("side must be BUY or SELL, got %q", p.Side)
	}
	return nonNegative("quantity", p.Quantity)
}

func (p FilingPayload) validate() error {
	if err := p.Common.validate(); err != nil {
		return err
	}
	if p.TaxYear < 0 {
		return fmt.Errorf("taxYear must not be negative")
	}
	return nil
}

func (p BrowserTaskPayload) validate() error {
	if err := p.Common.validate(); err != nil {
		return err
	}
	if p.URL == "" {
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", p.URL)
	}
	return nil
}

func (p GenericPayload) validate() error { return p.Common.validate() }

func (c Common) validate() error {
	if err := nonNegative("spendUsd", c.SpendUSD); err != nil {
		return err
	}
	if _, ok := knownDataClasses[c.DataClass]; !ok {
		return fmt.Errorf("unknown dataClass %q", c.DataClass)
	}
	for i, s := range c.Sources {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("sources[%d] is empty", i)
		}
	}
	return nil
}

func nonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%s must be a non-negative number", field)
	}
	return nil
}

// DecodePayload decodes raw into the variant for intentType and validates it.
// An empty payload decodes to the zero variant.
func DecodePayload(intentType string, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	var (
		p   Payload
		err error
	)
	switch intentType {
	case TypeChatCall:
		p, err = decodeInto[ChatCallPayload](raw)
	case sgl.TypeBankTransfer:
		p, err = decodeInto[TransferPayload](raw)
	case sgl.TypeCryptoTradeExecute:
		p, err = decodeInto[TradePayload](raw)
	case sgl.TypeGovFilingIRS:
		p, err = decodeInto[FilingPayload](raw)
	case sgl.TypeBrowserTask:
		p, err = decodeInto[BrowserTaskPayload](raw)
	default:
		p, err = decodeGeneric(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

func decodeGeneric(raw json.RawMessage) (Payload, error) {
	var g GenericPayload
	if err := json.Unmarshal(raw, &g.Common); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &g.Extra); err != nil {
		return nil, err
	}
	for _, k := range []string{"spendUsd", "dataClass", "sources", "summary"} {
		delete(g.Extra, k)
	}
	return normalize(g), nil
}

func normalize(p Payload) Payload {
	switch v := p.(type) {
	case ChatCallPayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		return v
	case TransferPayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		v.Currency = strings.ToUpper(strings.TrimSpace(v.Currency))
		return v
	case TradePayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		v.Side = strings.ToUpper(strings.TrimSpace(v.Side))
		return v
	case FilingPayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		return v
	case BrowserTaskPayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		return v
	case GenericPayload:
		v.DataClass = normalizeDataClass(v.DataClass)
		return v
	}
	return p
}

func normalizeDataClass(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// PolicyInput builds the SGL input for an intent from its decoded payload.
func PolicyInput(in Intent, p Payload) sgl.Input {
	base := p.Base()
	return sgl.Input{
		TenantID:  in.TenantID,
		Actor:     in.Actor,
		Type:      in.Type,
		DataClass: base.DataClass,
		SpendUSD:  base.SpendUSD,
	}
}
