package planner

import (
	"fmt"
	"sort"

	"github.com/stellarlinkco/outreach/internal/catalog"
)

// Scoring tunes goal ranking. PenaltyCap of zero makes the attempt penalty linear.
type Scoring struct {
	RecencyBonus      int
	PenaltyPerAttempt int
	PenaltyCap        int
}

func DefaultScoring() Scoring {
	return Scoring{RecencyBonus: 5, PenaltyPerAttempt: 2, PenaltyCap: 10}
}

type breakdown struct {
	base    int
	recency int
	penalty int
}

func (b breakdown) total() int { return b.base + b.recency - b.penalty }

func (s Scoring) score(goal catalog.Goal, attempts int) breakdown {
	b := breakdown{base: goal.BasePriority}
	if attempts == 0 {
		b.recency = s.RecencyBonus
	}
	b.penalty = attempts * s.PenaltyPerAttempt
	if s.PenaltyCap > 0 && b.penalty > s.PenaltyCap {
		b.penalty = s.PenaltyCap
	}
	return b
}

// Candidate is one goal that passed filtering, with its score.
type Candidate struct {
	GoalID   int64  `json:"goal_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Attempts int    `json:"attempts"`

	goal      catalog.Goal
	breakdown breakdown
}

func (c Candidate) explain() string {
	return fmt.Sprintf("base %d + recency %d - attempts %d", c.breakdown.base, c.breakdown.recency, c.breakdown.penalty)
}

// rank orders candidates by score, highest first; equal scores go to the lowest goal id.
func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].GoalID < cands[j].GoalID
	})
}
