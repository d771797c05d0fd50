// Package packets produces the advisory annotations attached to an approved intent.
// Packets carry no authority: they never change a decision and never perform I/O.
package packets

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"atlasux/pkg/intent"

	"golang.org/x/sync/errgroup"
)

type Agent string

const (
	AgentRisk     Agent = "RISK"
	AgentResearch Agent = "RESEARCH"
	AgentProcess  Agent = "PROCESS"
	AgentFinance  Agent = "FINANCE"
	AgentUX       Agent = "UX"
)

// Order is the stable order packets appear in a bundle.
var Order = []Agent{AgentRisk, AgentResearch, AgentProcess, AgentFinance, AgentUX}

const DefaultFinanceReviewUSD = 250.0

var ErrInvalidConfig = errors.New("invalid packet config")

type Packet struct {
	Agent   Agent          `json:"agent"`
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data"`
}

type Bundle struct {
	IntentID string   `json:"intentId"`
	Packets  []Packet `json:"packets"`
}

// Subject is the read-only view of an intent handed to generators.
type Subject struct {
	IntentID string
	TenantID string
	Actor    string
	Type     string
	Common   intent.Common
	Payload  intent.Payload
}

func SubjectFor(in intent.Intent, p intent.Payload) Subject {
	s := Subject{IntentID: in.ID, TenantID: in.TenantID, Actor: in.Actor, Type: in.Type, Payload: p}
	if p != nil {
		s.Common = p.Base()
	}
	return s
}

type Generator interface {
	Agent() Agent
	Generate(s Subject) Packet
}

type Config struct {
	// FinanceReviewUSD is the spend at which the finance packet recommends review.
	// It is configured separately from the SGL spend threshold.
	FinanceReviewUSD float64
}

func DefaultConfig() Config {
	return Config{FinanceReviewUSD: DefaultFinanceReviewUSD}
}

type Set struct {
	gens []Generator
	// OnFault is called when a generator panics. It may be nil.
	OnFault func(agent Agent, recovered any)
}

func NewSet(cfg Config) (*Set, error) {
	if math.IsNaN(cfg.FinanceReviewUSD) || math.IsInf(cfg.FinanceReviewUSD, 0) || cfg.FinanceReviewUSD <= 0 {
		return nil, fmt.Errorf("%w: finance review threshold must be a positive number, got %v", ErrInvalidConfig, cfg.FinanceReviewUSD)
	}
	return &Set{gens: []Generator{
		Risk{},
		Research{},
		Process{},
		Finance{ReviewUSD: cfg.FinanceReviewUSD},
		UX{},
	}}, nil
}

// WithGenerators returns a Set running gens. Bundles are still ordered by Order.
func WithGenerators(gens ...Generator) *Set {
	return &Set{gens: gens}
}

// Run invokes every generator concurrently and returns one packet per agent in Order.
// A generator that panics yields a placeholder packet with data.fault set.
func (s *Set) Run(subj Subject) Bundle {
	results := make([]Packet, len(s.gens))
	var g errgroup.Group
	for i, gen := range s.gens {
		i, gen := i, gen
		g.Go(func() error {
			results[i] = s.safeGenerate(gen, subj)
			return nil
		})
	}
	_ = g.Wait()

	byAgent := make(map[Agent]Packet, len(results))
	for _, p := range results {
		byAgent[p.Agent] = p
	}
	out := make([]Packet, 0, len(Order))
	for _, a := range Order {
		p, ok := byAgent[a]
		if !ok {
			p = placeholder(a, "generator not configured")
		}
		out = append(out, p)
	}
	return Bundle{IntentID: subj.IntentID, Packets: out}
}

func (s *Set) safeGenerate(gen Generator, subj Subject) (p Packet) {
	agent := gen.Agent()
	defer func() {
		if r := recover(); r != nil {
			if s.OnFault != nil {
				s.OnFault(agent, r)
			}
			p = placeholder(agent, fmt.Sprint(r))
		}
	}()
	p = gen.Generate(subj)
	p.Agent = agent
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	return p
}

func placeholder(a Agent, fault string) Packet {
	return Packet{
		Agent:   a,
		Summary: strings.ToLower(string(a)) + " packet unavailable",
		Data:    map[string]any{"fault": fault},
	}
}

var defaultSet, _ = NewSet(DefaultConfig())

// Run uses the default generator set.
func Run(subj Subject) Bundle {
	return defaultSet.Run(subj)
}
