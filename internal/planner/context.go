package planner

import (
	"time"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
)

type User struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	IsMapped        bool               `json:"is_mapped"`
	EngagementScore int                `json:"engagement_score"`
	Insights        []insights.Insight `json:"insights"`
}

// Context is everything the planner needs to decide for one member. It is
// assembled per call and never persisted.
type Context struct {
	User         User                `json:"user"`
	Company      member.Company      `json:"company"`
	Capabilities member.Capabilities `json:"capabilities"`
	History      []history.Row       `json:"history"`
	Eligibility  eligibility.Result  `json:"eligibility"`
	Now          time.Time           `json:"now"`
	// ChainedGoalID is the next_goal_id of the most recently resolved attempt.
	ChainedGoalID *int64 `json:"chained_goal_id,omitempty"`
	// Rehearsal contexts describe synthetic personas and skip the contact gate.
	Rehearsal bool `json:"rehearsal"`
}

// Target projects the context onto the fields targeting predicates read.
func (c Context) Target() catalog.Target {
	return catalog.Target{
		IsMapped:        c.User.IsMapped,
		CompanyType:     c.Company.Type,
		EngagementScore: c.User.EngagementScore,
		InsightTypes:    insights.Types(c.User.Insights),
	}
}

func (c Context) historyFor(goalID int64) (history.Row, bool) {
	for _, r := range c.History {
		if r.GoalID == goalID {
			return r, true
		}
	}
	return history.Row{}, false
}

// chainedIndex returns the position of the chained goal in cands, or -1.
func (c Context) chainedIndex(cands []Candidate) int {
	if c.ChainedGoalID == nil {
		return -1
	}
	for i, cand := range cands {
		if cand.GoalID == *c.ChainedGoalID {
			return i
		}
	}
	return -1
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}
