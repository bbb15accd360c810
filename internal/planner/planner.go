// Package planner picks the next outreach goal for a member and renders
// its message.
package planner

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/history"
)

// GoalSource is the catalog read side the planner depends on.
type GoalSource interface {
	ListEnabled(ctx context.Context, category catalog.Category) ([]catalog.Goal, error)
	Goal(ctx context.Context, id int64) (catalog.Goal, error)
}

// PlannedAction is the planner's decision for one member.
type PlannedAction struct {
	Goal           catalog.Goal           `json:"goal"`
	Message        string                 `json:"message"`
	LinkURL        string                 `json:"link_url"`
	Score          int                    `json:"score"`
	Reason         string                 `json:"reason"`
	DecisionMethod history.DecisionMethod `json:"decision_method"`
	Alternatives   []Candidate            `json:"alternatives"`
}

type Planner struct {
	goals    GoalSource
	scoring  Scoring
	mode     history.DecisionMethod
	linkBase string

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Option func(*Planner)

func WithScoring(s Scoring) Option {
	return func(p *Planner) { p.scoring = s }
}

// WithMode selects rule-based (default) or weighted-random selection.
func WithMode(mode string) Option {
	return func(p *Planner) {
		if history.DecisionMethod(mode) == history.DecisionWeightedRandom {
			p.mode = history.DecisionWeightedRandom
		}
	}
}

func WithLinkBase(base string) Option {
	return func(p *Planner) { p.linkBase = base }
}

// WithRand fixes the source used by weighted-random selection.
func WithRand(r *rand.Rand) Option {
	return func(p *Planner) { p.rnd = r }
}

func New(goals GoalSource, opts ...Option) *Planner {
	p := &Planner{
		goals:   goals,
		scoring: DefaultScoring(),
		mode:    history.DecisionRuleBased,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rnd == nil {
		now := uint64(time.Now().UnixNano())
		p.rnd = rand.New(rand.NewPCG(now, now>>7))
	}
	return p
}

// PlanNextAction returns the best eligible goal for pc, or nil when the
// member may not be contacted or no goal qualifies. A chained goal that is
// still a candidate is chosen ahead of the ranking.
func (p *Planner) PlanNextAction(ctx context.Context, pc Context) (*PlannedAction, error) {
	if !pc.Rehearsal && !pc.Eligibility.CanContact {
		log.Printf("[planner] skip %s: %s", pc.User.ID, pc.Eligibility.Reason)
		return nil, nil
	}

	goals, err := p.goals.ListEnabled(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("plan for %s: %w", pc.User.ID, err)
	}

	cands := p.Candidates(goals, pc)
	if len(cands) == 0 {
		return nil, nil
	}
	rank(cands)

	pick := 0
	method := history.DecisionRuleBased
	chained := pc.chainedIndex(cands)
	switch {
	case chained >= 0:
		pick = chained
	case p.mode == history.DecisionWeightedRandom:
		pick = p.weightedPick(cands)
		method = history.DecisionWeightedRandom
	}
	chosen := cands[pick]
	alts := make([]Candidate, 0, len(cands)-1)
	alts = append(alts, cands[:pick]...)
	alts = append(alts, cands[pick+1:]...)

	reason := fmt.Sprintf("%s: %q scored %d (%s) over %d alternative(s)",
		method, chosen.Name, chosen.Score, chosen.explain(), len(alts))
	if chained >= 0 {
		reason = fmt.Sprintf("%s: %q chained from the last resolved outcome, scored %d (%s) over %d alternative(s)",
			method, chosen.Name, chosen.Score, chosen.explain(), len(alts))
	}
	return p.action(chosen.goal, pc, chosen.Score, reason, method, alts), nil
}

// Candidates filters goals by targeting and history and scores the rest.
// The result is unordered.
func (p *Planner) Candidates(goals []catalog.Goal, pc Context) []Candidate {
	now := pc.now()
	target := pc.Target()
	var out []Candidate
	for _, g := range goals {
		if !g.IsEnabled || !g.Matches(target) {
			continue
		}
		attempts := 0
		if row, ok := pc.historyFor(g.ID); ok {
			if !row.Retryable(now) {
				continue
			}
			attempts = row.AttemptCount
		}
		b := p.scoring.score(g, attempts)
		out = append(out, Candidate{
			GoalID:    g.ID,
			Name:      g.Name,
			Score:     b.total(),
			Attempts:  attempts,
			goal:      g,
			breakdown: b,
		})
	}
	return out
}

// Override plans an operator-chosen goal. Targeting and scoring are skipped;
// the contact gate, goal availability and terminal history still apply.
func (p *Planner) Override(ctx context.Context, pc Context, goalID int64, operator string) (*PlannedAction, error) {
	if !pc.Rehearsal && !pc.Eligibility.CanContact {
		return nil, nil
	}
	g, err := p.goals.Goal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("override goal %d: %w", goalID, err)
	}
	if !g.IsEnabled {
		return nil, fmt.Errorf("override goal %d: %w (disabled)", goalID, catalog.ErrGoalNotFound)
	}
	if row, ok := pc.historyFor(goalID); ok && row.Status.Terminal() {
		return nil, fmt.Errorf("override goal %d: %w", goalID, history.ErrTerminal)
	}
	attempts := 0
	if row, ok := pc.historyFor(goalID); ok {
		attempts = row.AttemptCount
	}
	score := p.scoring.score(g, attempts).total()
	reason := fmt.Sprintf("%s: %q chosen by %s", history.DecisionAdminOverride, g.Name, strings.TrimSpace(operator))
	return p.action(g, pc, score, reason, history.DecisionAdminOverride, nil), nil
}

func (p *Planner) action(g catalog.Goal, pc Context, score int, reason string, method history.DecisionMethod, alts []Candidate) *PlannedAction {
	link := LinkURL(p.linkBase, pc.User.ID, g.ID)
	return &PlannedAction{
		Goal:           g,
		Message:        BuildMessage(g, pc, link),
		LinkURL:        link,
		Score:          score,
		Reason:         reason,
		DecisionMethod: method,
		Alternatives:   alts,
	}
}

// weightedPick draws an index from ranked cands with probability
// proportional to positive score. Without positive scores it keeps the top.
func (p *Planner) weightedPick(cands []Candidate) int {
	total := 0
	for _, c := range cands {
		if c.Score > 0 {
			total += c.Score
		}
	}
	if total == 0 {
		return 0
	}
	p.rndMu.Lock()
	n := p.rnd.IntN(total)
	p.rndMu.Unlock()
	for i, c := range cands {
		if c.Score <= 0 {
			continue
		}
		if n < c.Score {
			return i
		}
		n -= c.Score
	}
	return 0
}
